package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrSkipWrite may be returned by a MutateFunc to commit nothing and return the current document.
	ErrSkipWrite = errors.New("firestore: skip write")
	// ErrUniqueKeyTaken reports that a unique key document already exists.
	ErrUniqueKeyTaken = errors.New("firestore: unique key already taken")
)

// MutateFunc edits the decoded document in place.
type MutateFunc[T any] func(current *T) error

// UniqueKey is a marker document created in the same transaction as the mutation. The mutation
// aborts with ErrUniqueKeyTaken when the marker already exists.
type UniqueKey struct {
	Collection string
	ID         string
	Data       any
}

// Mutate runs a read-modify-write of one document inside a transaction, optionally reserving
// unique keys atomically with the write. fn may run more than once when the transaction retries.
func (r *BaseRepository[T]) Mutate(ctx context.Context, id string, fn MutateFunc[T], keys ...UniqueKey) (Document[T], error) {
	if fn == nil {
		return Document[T]{}, WrapError(r.op("mutate"), errors.New("firestore: mutate function is nil"))
	}
	ref, err := r.documentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return Document[T]{}, err
	}

	var result Document[T]
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.toDocument(ctx, snapshot)
		if err != nil {
			return err
		}

		keyRefs := make([]*firestore.DocumentRef, 0, len(keys))
		for _, key := range keys {
			if strings.TrimSpace(key.Collection) == "" || strings.TrimSpace(key.ID) == "" {
				return errors.New("firestore: unique key requires collection and id")
			}
			keyRef := client.Collection(key.Collection).Doc(key.ID)
			if _, err := tx.Get(keyRef); err == nil {
				return fmt.Errorf("%w: %s/%s", ErrUniqueKeyTaken, key.Collection, key.ID)
			} else if status.Code(err) != codes.NotFound {
				return err
			}
			keyRefs = append(keyRefs, keyRef)
		}

		data := current.Data
		if err := fn(&data); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				result = current
				return nil
			}
			return err
		}

		payload, err := r.encode(ctx, data)
		if err != nil {
			return fmt.Errorf("firestore: encode document %s: %w", id, err)
		}
		if err := tx.Set(ref, payload); err != nil {
			return err
		}
		for i, keyRef := range keyRefs {
			if err := tx.Create(keyRef, keys[i].Data); err != nil {
				return err
			}
		}
		result = Document[T]{ID: current.ID, Data: data, CreateTime: current.CreateTime, ReadTime: current.ReadTime}
		return nil
	})
	if err != nil {
		return Document[T]{}, WrapError(r.op("mutate"), err)
	}
	return result, nil
}

// GetTx reads and decodes a document inside a transaction.
func (r *BaseRepository[T]) GetTx(ctx context.Context, tx *firestore.Transaction, id string) (Document[T], error) {
	ref, err := r.documentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := tx.Get(ref)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.toDocument(ctx, snapshot)
}

// QueryTx runs a query inside a transaction. All reads must happen before any write.
func (r *BaseRepository[T]) QueryTx(ctx context.Context, tx *firestore.Transaction, build QueryBuilder) ([]Document[T], error) {
	query, err := r.query(ctx, build)
	if err != nil {
		return nil, err
	}
	return r.drain(ctx, tx.Documents(query))
}

// CreateTx inserts the value inside a transaction and fails when it already exists.
func (r *BaseRepository[T]) CreateTx(ctx context.Context, tx *firestore.Transaction, id string, value T) error {
	ref, payload, err := r.prepare(ctx, id, value)
	if err != nil {
		return err
	}
	return tx.Create(ref, payload)
}

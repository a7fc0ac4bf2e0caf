package postgres

import (
	"fmt"

	"causalstore/pkg/causal"
)

func storageErr(op string, err error) error {
	return &causal.StorageError{BaseError: causal.BaseError{Op: op, Err: err}}
}

func entityNotFound(op string, id causal.EntityId) error {
	return &causal.EntityNotFoundError{
		BaseError: causal.BaseError{Op: op, Err: fmt.Errorf("entity not found: %s", id)},
		EntityId:  id,
	}
}

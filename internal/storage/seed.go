package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hai-labs/haigate/internal/model"
)

// Seed upserts every person in r, a JSON array of model.Person. It returns
// how many rows were written.
func Seed(ctx context.Context, store PersonStore, r io.Reader) (int, error) {
	var people []model.Person
	if err := json.NewDecoder(r).Decode(&people); err != nil {
		return 0, fmt.Errorf("storage: decode seed: %w", err)
	}
	for i, p := range people {
		if err := store.Upsert(ctx, p); err != nil {
			return i, err
		}
	}
	return len(people), nil
}

package memory_test

import (
	"testing"

	"github.com/mealmate/mealmate-mcp/storage"
	"github.com/mealmate/mealmate-mcp/storage/memory"
	"github.com/mealmate/mealmate-mcp/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		return memory.New()
	})
}

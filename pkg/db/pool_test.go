package db

import (
	"context"
	"strings"
	"testing"
	"time"
)

const poolTestPrefix = "db:pool_test"

func TestNewPool_Errors(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantPrefix string
	}{
		{"unparsable url", "invalid://not-a-valid-database-url", "db:pool - failed to parse"},
		{"bad port", "postgres://localhost:notaport/islandgate", "db:pool - failed to parse"},
		{"nothing listening", "postgres://islandgate@127.0.0.1:1/islandgate?connect_timeout=1", "db:pool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pool, err := NewPool(ctx, tt.url)
			if err == nil {
				pool.Close()
				t.Fatalf("%s - expected error for %q", poolTestPrefix, tt.url)
			}
			if pool != nil {
				t.Errorf("%s - expected nil pool on error", poolTestPrefix)
			}
			if !strings.HasPrefix(err.Error(), tt.wantPrefix) {
				t.Errorf("%s - error %q does not start with %q", poolTestPrefix, err, tt.wantPrefix)
			}
		})
	}
}

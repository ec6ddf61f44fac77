package db

import (
	"strings"
	"testing"
)

func TestMigrationsOrderedAndIdempotent(t *testing.T) {
	names := MigrationNames()
	if len(names) != len(migrations) || names[0] != "001_create_tracker_files" {
		t.Fatalf("names = %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
	for name, sql := range migrations {
		for _, stmt := range strings.Split(sql, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if strings.HasPrefix(stmt, "CREATE") && !strings.Contains(stmt, "IF NOT EXISTS") {
				t.Errorf("%s: statement cannot be rerun: %q", name, stmt)
			}
		}
	}
}

func TestTrackerSchemaMatchesQueries(t *testing.T) {
	all := strings.Join([]string{migrations["001_create_tracker_files"], migrations["002_create_users"]}, "\n")
	for _, col := range []string{"info_hash", "peers JSONB", "updated_at", "password_hash", "scopes JSONB"} {
		if !strings.Contains(all, col) {
			t.Errorf("schema lacks %q", col)
		}
	}
}

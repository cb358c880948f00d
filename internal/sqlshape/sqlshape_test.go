package sqlshape

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "strips numeric and string literals",
			sql:  "SELECT * FROM t WHERE id = 42 AND name = 'bob'",
			want: "SELECT * FROM t WHERE id = ? AND name = ?",
		},
		{
			name: "double quoted literal",
			sql:  `UPDATE t SET v = "abc" WHERE id = 7`,
			want: "UPDATE t SET v = ? WHERE id = ?",
		},
		{
			name: "escaped quote inside literal",
			sql:  "SELECT 1 FROM t WHERE name = 'o''brien'",
			want: "SELECT ? FROM t WHERE name = ?",
		},
		{
			name: "collapses whitespace",
			sql:  "SELECT  *\n\tFROM   t",
			want: "SELECT * FROM t",
		},
		{
			name: "float literal",
			sql:  "SELECT * FROM t WHERE score > 3.14",
			want: "SELECT * FROM t WHERE score > ?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.sql)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.sql, got, tt.want)
			}
		})
	}
}

func TestNormalize_NoLiteralLeaks(t *testing.T) {
	shape := Normalize("SELECT * FROM t WHERE id = 42 AND name = 'bob'")
	if strings.Contains(shape, "42") || strings.Contains(shape, "bob") {
		t.Errorf("shape leaks literal values: %q", shape)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	sql := "INSERT INTO sessions (id, n) VALUES ('abc', 123)"
	first := Normalize(sql)
	for i := 0; i < 10; i++ {
		if got := Normalize(sql); got != first {
			t.Fatalf("Normalize not deterministic: %q vs %q", got, first)
		}
	}
}

func TestNormalize_Truncates(t *testing.T) {
	long := "SELECT " + strings.Repeat("col, ", 1000) + "x FROM t"
	if got := Normalize(long); len(got) > MaxShapeLen {
		t.Errorf("shape length = %d, want <= %d", len(got), MaxShapeLen)
	}
}

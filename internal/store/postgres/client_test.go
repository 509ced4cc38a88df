package postgres

import "testing"

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://u:p@h:5432/d", Host: "ignored"},
			want: "postgres://u:p@h:5432/d",
		},
		{
			name: "built from parts",
			cfg:  ClientConfig{Host: "db.local", Port: 5433, Database: "butler", User: "bot", Password: "pw", SSLMode: "require"},
			want: "postgres://bot:pw@db.local:5433/butler?sslmode=require",
		},
		{
			name: "defaults applied",
			cfg:  ClientConfig{Host: "localhost", Database: "butler", User: "bot", Password: "pw"},
			want: "postgres://bot:pw@localhost:5432/butler?sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

package runtime

import (
	"testing"

	"github.com/mohammad-safakhou/errand/config"
)

func TestBuildPostgresDSN(t *testing.T) {
	cases := []struct {
		name    string
		pg      config.PostgresConfig
		want    string
		wantErr bool
	}{
		{
			name: "url passthrough",
			pg:   config.PostgresConfig{URL: "postgres://u:p@db:5432/errand?sslmode=require"},
			want: "postgres://u:p@db:5432/errand?sslmode=require",
		},
		{
			name: "components",
			pg:   config.PostgresConfig{Host: "db", Port: "5433", User: "u", Password: "p", DBName: "errand", SSLMode: "require"},
			want: "postgres://u:p@db:5433/errand?sslmode=require",
		},
		{
			name: "defaults",
			pg:   config.PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "errand"},
			want: "postgres://u:p@db:5432/errand?sslmode=disable",
		},
		{
			name:    "missing host",
			pg:      config.PostgresConfig{DBName: "errand"},
			wantErr: true,
		},
		{
			name:    "missing dbname",
			pg:      config.PostgresConfig{Host: "db"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Storage.Postgres = tc.pg
			got, err := BuildPostgresDSN(cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildPostgresDSN: %v", err)
			}
			if got != tc.want {
				t.Fatalf("dsn = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildPostgresDSNNilConfig(t *testing.T) {
	if _, err := BuildPostgresDSN(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

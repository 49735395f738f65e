package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production. The connection is closed when the test ends.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Each test gets its own in-memory database. Shared cache keeps it
	// alive while the pool holds a connection.
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		t.Name(),
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if _, err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn, closed when the test
// ends.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

// seed loads facilities and scanners through the same path as the dev
// seeder.
func seed(t *testing.T, conn *sql.DB, facilities []types.Facility, scanners []types.Scanner) {
	t.Helper()
	err := db.SeedDev(context.Background(), conn, db.SeedDevOptions{
		Facilities: facilities,
		Scanners:   scanners,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func library() types.Facility {
	return types.Facility{
		FacilityID: "LIB001",
		Name:       "Main Library",
		Capacity:   3,
		AccessRules: []types.AccessRule{
			{Role: types.LevelStudent, Access: types.AccessTimeLimited},
			{Role: types.LevelFaculty, Access: types.AccessFull},
		},
		Position: &types.GeoPoint{Lat: 40.0, Lon: -75.0},
	}
}

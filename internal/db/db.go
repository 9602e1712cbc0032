package db

import (
	"cmp"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"time"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/transit"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schemaSQL string

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureSchema creates the catalog tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// stopRow is one row of route_stops.
type stopRow struct {
	Position int // route_position, declaration order of the route
	Operator string
	Route    int
	Sequence int
	Name     string
	Lat      float64
	Lon      float64
}

// LoadCatalog reads route_stops and fares and builds a catalog from them.
func LoadCatalog(ctx context.Context, db *sql.DB) (*catalog.Catalog, error) {
	rows, err := fetchStopRows(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("route_stops is empty")
	}
	fares, err := fetchFares(ctx, db)
	if err != nil {
		return nil, err
	}
	return catalog.New(groupRoutes(rows), fares)
}

func fetchStopRows(ctx context.Context, db *sql.DB) ([]stopRow, error) {
	q := `SELECT route_position, operator, route_number, stop_sequence, stop_name, stop_lat, stop_lon
          FROM route_stops
          ORDER BY route_position, operator, route_number, stop_sequence`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query route_stops: %w", err)
	}
	defer rows.Close()
	var out []stopRow
	for rows.Next() {
		var r stopRow
		if err := rows.Scan(&r.Position, &r.Operator, &r.Route, &r.Sequence, &r.Name, &r.Lat, &r.Lon); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fetchFares(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT operator, amount FROM fares`)
	if err != nil {
		return nil, fmt.Errorf("query fares: %w", err)
	}
	defer rows.Close()
	fares := make(map[string]int)
	for rows.Next() {
		var op string
		var amount int
		if err := rows.Scan(&op, &amount); err != nil {
			return nil, err
		}
		fares[op] = amount
	}
	return fares, rows.Err()
}

// groupRoutes folds rows into routes ordered by route_position, ties kept in
// first-seen order. A route whose rows disagree on position takes the lowest.
func groupRoutes(rows []stopRow) []transit.Route {
	var routes []transit.Route
	var rank []int
	idx := make(map[transit.RouteKey]int)
	for _, r := range rows {
		key := transit.RouteKey{Operator: r.Operator, Number: r.Route}
		i, ok := idx[key]
		if !ok {
			i = len(routes)
			idx[key] = i
			routes = append(routes, transit.Route{RouteKey: key})
			rank = append(rank, r.Position)
		}
		rank[i] = min(rank[i], r.Position)
		routes[i].Stops = append(routes[i].Stops, transit.Stop{Name: r.Name, Lat: r.Lat, Lon: r.Lon, Sequence: r.Sequence})
	}
	order := make([]int, len(routes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(rank[a], rank[b]) })
	out := make([]transit.Route, len(routes))
	for n, i := range order {
		r := routes[i]
		slices.SortFunc(r.Stops, func(a, b transit.Stop) int { return cmp.Compare(a.Sequence, b.Sequence) })
		out[n] = r
	}
	return out
}

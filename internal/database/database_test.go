package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-media-app/internal/observability/metrics"
)

func TestParseTLSMode(t *testing.T) {
	cases := []struct {
		input   string
		want    TLSMode
		wantErr bool
	}{
		{input: "", want: TLSModeAuto},
		{input: "AUTO", want: TLSModeAuto},
		{input: " disable ", want: TLSModeDisable},
		{input: "insecure", want: TLSModeInsecure},
		{input: "dsn", want: TLSModeDSN},
		{input: "verify-full", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseTLSMode(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTLSDecision(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want tlsDecision
	}{
		{name: "auto managed host", cfg: Config{DSN: "postgres://u:p@app.abc123.us-east-1.rds.amazonaws.com/app"}, want: tlsUnverified},
		{name: "auto local host", cfg: Config{DSN: "postgres://u:p@localhost/app"}, want: tlsOff},
		{name: "auto custom markers", cfg: Config{DSN: "postgres://u:p@pg.internal.example/app", ManagedHostMarkers: []string{"internal.example"}}, want: tlsUnverified},
		{name: "auto markers disabled", cfg: Config{DSN: "postgres://u:p@x.rds.amazonaws.com/app", ManagedHostMarkers: []string{}}, want: tlsOff},
		{name: "disable", cfg: Config{DSN: "postgres://u:p@x.rds.amazonaws.com/app", TLSMode: TLSModeDisable}, want: tlsOff},
		{name: "insecure", cfg: Config{DSN: "postgres://u:p@localhost/app", TLSMode: TLSModeInsecure}, want: tlsUnverified},
		{name: "dsn", cfg: Config{DSN: "postgres://u:p@x.rds.amazonaws.com/app", TLSMode: TLSModeDSN}, want: tlsFromDSN},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.tlsDecision())
		})
	}
}

func TestApplyTLSUnverifiedCollapsesPlaintextFallback(t *testing.T) {
	cc, err := pgconn.ParseConfig("postgres://u:p@db.rds.amazonaws.com:5432/app")
	require.NoError(t, err)
	require.NotEmpty(t, cc.Fallbacks, "sslmode=prefer should produce a plaintext fallback")

	applyTLS(cc, tlsUnverified)

	require.NotNil(t, cc.TLSConfig)
	assert.True(t, cc.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, "db.rds.amazonaws.com", cc.TLSConfig.ServerName)
	assert.Empty(t, cc.Fallbacks)
}

func TestApplyTLSOffClearsTLS(t *testing.T) {
	cc, err := pgconn.ParseConfig("postgres://u:p@localhost:5432/app")
	require.NoError(t, err)

	applyTLS(cc, tlsOff)

	assert.Nil(t, cc.TLSConfig)
	assert.Empty(t, cc.Fallbacks)
}

func TestApplyTLSKeepsDistinctHosts(t *testing.T) {
	cc, err := pgconn.ParseConfig("postgres://u:p@h1:5432,h2:5433/app?sslmode=disable")
	require.NoError(t, err)

	applyTLS(cc, tlsUnverified)

	require.Len(t, cc.Fallbacks, 1)
	assert.Equal(t, "h2", cc.Fallbacks[0].Host)
	assert.Equal(t, uint16(5433), cc.Fallbacks[0].Port)
	require.NotNil(t, cc.Fallbacks[0].TLSConfig)
	assert.Equal(t, "h2", cc.Fallbacks[0].TLSConfig.ServerName)
}

func TestApplyTLSSkipsUnixSockets(t *testing.T) {
	cc, err := pgconn.ParseConfig("host=/var/run/postgresql dbname=app user=u")
	require.NoError(t, err)

	applyTLS(cc, tlsUnverified)

	assert.Nil(t, cc.TLSConfig)
}

func TestApplyTLSFromDSNLeavesConfigAlone(t *testing.T) {
	cc, err := pgconn.ParseConfig("postgres://u:p@localhost:5432/app?sslmode=require")
	require.NoError(t, err)
	original := cc.TLSConfig
	fallbacks := len(cc.Fallbacks)

	applyTLS(cc, tlsFromDSN)

	assert.Same(t, original, cc.TLSConfig)
	assert.Len(t, cc.Fallbacks, fallbacks)
}

func TestOpenWithoutDSNUsesEnvironmentDefaults(t *testing.T) {
	t.Setenv("PGHOST", "127.0.0.1")
	t.Setenv("PGPORT", "1")
	t.Setenv("PGDATABASE", "content")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	db, err := Open(context.Background(), Config{DSN: "  "}, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	p, ok := db.pool.(*pgxpool.Pool)
	require.True(t, ok)
	conn := p.Config().ConnConfig
	assert.Equal(t, "127.0.0.1", conn.Host)
	assert.Equal(t, uint16(1), conn.Port)
	assert.Equal(t, "content", conn.Database)
	assert.Contains(t, buf.String(), "using PG* environment defaults")
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "postgres://u:p@localhost:notaport/app"})
	assert.Error(t, err)
}

func TestOpenWarnsOnUnverifiedTLS(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	db, err := Open(context.Background(), Config{DSN: "postgres://u:p@db.rds.amazonaws.com:5432/app"}, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	assert.Contains(t, buf.String(), "without certificate verification")
	assert.Contains(t, buf.String(), `"component":"database"`)
}

func TestOpenIsLazyAndReportsConnectFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	recorder := metrics.New()

	db, err := Open(context.Background(), Config{
		DSN:            "postgres://u:p@127.0.0.1:1/app",
		ConnectTimeout: 2 * time.Second,
	}, WithLogger(logger), WithMetrics(recorder))
	require.NoError(t, err, "opening the pool must not contact the server")
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := db.Query(ctx, "SELECT 1")
	require.Error(t, err)
	if rows != nil {
		rows.Close()
	}

	events := recorder.DatabaseEventCounts()
	assert.NotZero(t, events["connect_error"])
	assert.NotZero(t, events["acquire_error"])
	assert.Contains(t, buf.String(), "database connection failed")
}

func TestQueryReturnsDriverErrorUnchanged(t *testing.T) {
	driverErr := &pgconn.PgError{Code: "42P01", Message: "relation \"missing\" does not exist"}
	fake := &fakePool{err: driverErr}
	db := &DB{pool: fake}

	_, err := db.Query(context.Background(), "SELECT * FROM missing WHERE id = $1", 7)

	assert.Equal(t, error(driverErr), err)
	assert.Equal(t, "SELECT * FROM missing WHERE id = $1", fake.sql)
	assert.Equal(t, []any{7}, fake.args)
}

func TestQueryPassesRowsThroughWithoutTimeout(t *testing.T) {
	rows := &fakeRows{}
	db := &DB{pool: &fakePool{rows: rows}}

	got, err := db.Query(context.Background(), "SELECT 1")

	require.NoError(t, err)
	assert.Same(t, rows, got)
}

func TestQueryTimeoutReleasedOnClose(t *testing.T) {
	rows := &fakeRows{}
	fake := &fakePool{rows: rows}
	db := &DB{pool: fake, queryTimeout: time.Minute}

	got, err := db.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	deadline, ok := fake.ctx.Deadline()
	require.True(t, ok, "expected query context to carry a deadline")
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	assert.NoError(t, fake.ctx.Err())

	got.Close()

	assert.True(t, rows.closed)
	assert.ErrorIs(t, fake.ctx.Err(), context.Canceled)
}

func TestQueryTimeoutReleasedOnFailure(t *testing.T) {
	fake := &fakePool{err: errors.New("boom")}
	db := &DB{pool: fake, queryTimeout: time.Minute}

	_, err := db.Query(context.Background(), "SELECT 1")

	require.Error(t, err)
	assert.ErrorIs(t, fake.ctx.Err(), context.Canceled)
}

func TestCloseNilDB(t *testing.T) {
	var db *DB
	assert.NoError(t, db.Close(context.Background()))
}

func TestCloseClosesPool(t *testing.T) {
	fake := &fakePool{}
	db := &DB{pool: fake}

	require.NoError(t, db.Close(context.Background()))
	assert.True(t, fake.closed)
}

type fakePool struct {
	ctx    context.Context
	sql    string
	args   []any
	rows   pgx.Rows
	err    error
	closed bool
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.ctx = ctx
	p.sql = sql
	p.args = args
	return p.rows, p.err
}

func (p *fakePool) Ping(context.Context) error { return p.err }

func (p *fakePool) Close() { p.closed = true }

type fakeRows struct {
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return false }
func (r *fakeRows) Scan(...any) error                            { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

package indicator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"binrange-core/internal/domain"
	"binrange-core/internal/indicator"
	"binrange-core/internal/storage/clickhouse"
	"binrange-core/internal/storage/migrations"
)

// TestClickhouseArchive_AppendRSIAndPrice exercises the archive against
// a real ClickHouse node, end to end through the same embedded
// migrations the composition root applies at startup.
func TestClickhouseArchive_AppendRSIAndPrice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.1-alpine",
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Application: Ready for connections").WithStartupTimeout(60 * time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
			Env: map[string]string{
				"CLICKHOUSE_DB":       "test",
				"CLICKHOUSE_USER":     "default",
				"CLICKHOUSE_PASSWORD": "",
			},
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	conn, err := clickhouse.NewConn(ctx, fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port()))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrations.RunClickhouseMigrations(ctx, conn))

	archive := indicator.NewClickhouseArchive(conn)

	now := time.Now()
	require.NoError(t, archive.AppendRSI(ctx, "BTCUSDT", domain.RSIValue{
		Timeframe: domain.TF1h,
		Value:     42.5,
		Signal:    domain.SignalNeutral,
	}, now))
	require.NoError(t, archive.AppendPrice(ctx, "BTCUSDT", 65000.25, now))

	row := conn.QueryRow(ctx, "SELECT count() FROM rsi_archive WHERE symbol = 'BTCUSDT'")
	var rsiCount uint64
	require.NoError(t, row.Scan(&rsiCount))
	require.Equal(t, uint64(1), rsiCount)

	row = conn.QueryRow(ctx, "SELECT count() FROM price_archive WHERE symbol = 'BTCUSDT'")
	var priceCount uint64
	require.NoError(t, row.Scan(&priceCount))
	require.Equal(t, uint64(1), priceCount)
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/campus/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func useSQLMockDriver(t *testing.T) {
	t.Helper()
	driverName = "sqlmock"
	t.Cleanup(func() { driverName = "postgres" })
}

func TestConfigFromDatabase(t *testing.T) {
	cfg := ConfigFromDatabase(config.DatabaseConfig{
		URL:         "postgres://primary/campus",
		ReplicaURLs: []string{"postgres://r1/campus"},
		MaxConns:    20,
		MinConns:    2,
		Timeout:     3 * time.Second,
	})

	assert.Equal(t, "postgres://primary/campus", cfg.PrimaryURL)
	assert.Equal(t, []string{"postgres://r1/campus"}, cfg.ReplicaURLs)
	assert.Equal(t, 20, cfg.MaxConns)
	assert.Equal(t, 2, cfg.MinConns)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.NotZero(t, cfg.MaxLifetime)
}

func TestNewConnectionManager(t *testing.T) {
	useSQLMockDriver(t)

	t.Run("primary unreachable", func(t *testing.T) {
		db, mock, err := sqlmock.NewWithDSN("primary-down", sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm, err := NewConnectionManager(ConnectionConfig{PrimaryURL: "primary-down", MaxConns: 4}, nil)
		require.Error(t, err)
		assert.Nil(t, cm)
		assert.Contains(t, err.Error(), "failed to ping")
	})

	t.Run("unreachable replica is skipped", func(t *testing.T) {
		pdb, pmock, err := sqlmock.NewWithDSN("primary-up", sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer pdb.Close()
		rdb, rmock, err := sqlmock.NewWithDSN("replica-down", sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer rdb.Close()

		pmock.ExpectPing()
		rmock.ExpectPing().WillReturnError(errors.New("timeout"))

		cm, err := NewConnectionManager(ConnectionConfig{
			PrimaryURL:  "primary-up",
			ReplicaURLs: []string{"replica-down"},
			MaxConns:    4,
		}, nil)
		require.NoError(t, err)
		assert.NotNil(t, cm.Primary())
		assert.Equal(t, cm.Primary(), cm.Replica(), "falls back to primary without replicas")
		assert.Empty(t, cm.Stats().Replicas)
	})
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("no replicas falls back to primary", func(t *testing.T) {
		primary := &sql.DB{}
		cm := &ConnectionManager{primary: primary}
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		r1, r2, r3 := &sql.DB{}, &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1, r2, r3}}

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}
		assert.Equal(t, 10, selections[r1])
		assert.Equal(t, 10, selections[r2])
		assert.Equal(t, 10, selections[r3])
	})

	t.Run("concurrent selection", func(t *testing.T) {
		r1, r2 := &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1, r2}}

		var mu sync.Mutex
		var wg sync.WaitGroup
		selections := make(map[*sql.DB]int)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				db := cm.Replica()
				mu.Lock()
				selections[db]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, selections[r1])
		assert.Equal(t, 50, selections[r2])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("all healthy", func(t *testing.T) {
		primary, pmock := newPingMock(t)
		replica, rmock := newPingMock(t)
		pmock.ExpectPing()
		rmock.ExpectPing()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{replica}}
		assert.NoError(t, cm.HealthCheck(ctx))
		assert.NoError(t, pmock.ExpectationsWereMet())
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("primary down", func(t *testing.T) {
		primary, pmock := newPingMock(t)
		pmock.ExpectPing().WillReturnError(errors.New("down"))

		cm := &ConnectionManager{primary: primary}
		err := cm.HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("some replicas down is tolerated", func(t *testing.T) {
		primary, pmock := newPingMock(t)
		r1, r1mock := newPingMock(t)
		r2, r2mock := newPingMock(t)
		pmock.ExpectPing()
		r1mock.ExpectPing().WillReturnError(errors.New("down"))
		r2mock.ExpectPing()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		assert.NoError(t, cm.HealthCheck(ctx))
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pmock := newPingMock(t)
		r1, r1mock := newPingMock(t)
		pmock.ExpectPing()
		r1mock.ExpectPing().WillReturnError(errors.New("down"))

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1}}
		err := cm.HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy: replica-0")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingMock(t)
	healthy, hmock := newPingMock(t)
	broken, bmock := newPingMock(t)
	hmock.ExpectPing()
	bmock.ExpectPing().WillReturnError(errors.New("down"))
	bmock.ExpectClose()

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{healthy, broken}}
	removed := cm.RemoveUnhealthyReplicas(context.Background())

	assert.Equal(t, 1, removed)
	assert.Same(t, healthy, cm.Replica())
	assert.Len(t, cm.Stats().Replicas, 1)
}

func TestConnectionManager_Close(t *testing.T) {
	primary, pmock := newPingMock(t)
	replica, rmock := newPingMock(t)
	pmock.ExpectClose()
	rmock.ExpectClose()

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{replica}}
	require.NoError(t, cm.Close())
	assert.Same(t, primary, cm.Replica(), "replicas are released on close")
	assert.NoError(t, pmock.ExpectationsWereMet())
	assert.NoError(t, rmock.ExpectationsWereMet())
}

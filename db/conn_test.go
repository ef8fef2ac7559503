package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsEmpty(t *testing.T) {
	_, err := NewPool(context.Background(), "")
	require.ErrorContains(t, err, "empty connection string")

	_, err = NewPool(context.Background(), "postgres://%zz")
	require.ErrorContains(t, err, "parse config")
}

func TestOpenLedgerSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := OpenLedger(ctx, Options{Driver: "sqlite"})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(ctx))
}

func TestOpenLedgerUnknownDriver(t *testing.T) {
	_, err := OpenLedger(context.Background(), Options{Driver: "mysql"})
	require.ErrorContains(t, err, "unknown driver")
}

package transform_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
	flumetesting "github.com/flumelabs/flume/utils/pkg/testing"
)

var testLogger = flumetesting.NewLogger

func ordersTable(t *testing.T) *schema.Table {
	t.Helper()
	table, err := schema.New("orders",
		schema.Column{Name: "order_id", DataType: schema.TypeInt64},
		schema.Column{Name: "region", DataType: schema.TypeString},
		schema.Column{Name: "amount", DataType: schema.TypeFloat64, Nullable: true},
	)
	require.NoError(t, err)
	return table
}

func newMem(t *testing.T, table *schema.Table, rows ...stream.Row) *stream.MemoryTable {
	t.Helper()
	m := stream.NewMemoryTable(table)
	require.NoError(t, m.Add(rows...))
	return m
}

func drain(t *testing.T, s stream.RowStream) []stream.Row {
	t.Helper()
	ctx := context.Background()
	var rows []stream.Row
	for {
		ok, err := s.Read(ctx)
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, s.Row().Clone())
	}
}

package extractor

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/NivBraz/groupcount-service/pkg/store"
)

// Protocol methods.
const (
	MethodPing       = "ping"
	MethodPartitions = "partitions"
	MethodScan       = "scan"
	MethodColumns    = "columns"
	MethodCount      = "count"
)

func (s *Server) registerBuiltins() {
	s.Register(MethodPing, s.handlePing)
	s.Register(MethodPartitions, s.handlePartitions)
	s.Register(MethodScan, s.handleScan)
	s.Register(MethodColumns, s.handleColumns)
	s.Register(MethodCount, s.handleCount)
}

func (s *Server) handlePing(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"pong": true})
}

func (s *Server) handlePartitions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, table, err := s.target(req)
	if err != nil {
		return nil, err
	}
	n, err := intArg(req, "count")
	if err != nil {
		return nil, err
	}

	ranges, err := st.Partitions(ctx, table, int(n))
	if err != nil {
		return nil, err
	}

	list := make([]any, len(ranges))
	for i, r := range ranges {
		list[i] = map[string]any{"index": r.Index, "start": r.Start, "end": r.End}
	}
	return structpb.NewStruct(map[string]any{"ranges": list})
}

func (s *Server) handleScan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, table, err := s.target(req)
	if err != nil {
		return nil, err
	}
	start, err := intArg(req, "start")
	if err != nil {
		return nil, err
	}
	end, err := intArg(req, "end")
	if err != nil {
		return nil, err
	}
	after, err := intArg(req, "after")
	if err != nil {
		return nil, err
	}
	limit, err := intArg(req, "limit")
	if err != nil {
		return nil, err
	}

	rows, last, err := st.Scan(ctx, table, store.TokenRange{Start: start, End: end}, after, int(limit))
	if err != nil {
		return nil, err
	}

	list := make([]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(row))
		for k, v := range row {
			m[k] = wireValue(v)
		}
		list[i] = m
	}
	s.served.Add(st.Keyspace()+"."+table, int64(len(rows)))

	return structpb.NewStruct(map[string]any{
		"rows": list,
		"last": last,
		"done": len(rows) < int(limit),
	})
}

func (s *Server) handleColumns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, table, err := s.target(req)
	if err != nil {
		return nil, err
	}
	cols, err := st.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(cols))
	for i, c := range cols {
		list[i] = c
	}
	return structpb.NewStruct(map[string]any{"columns": list})
}

func (s *Server) handleCount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, table, err := s.target(req)
	if err != nil {
		return nil, err
	}
	n, err := st.Count(ctx, table)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"count": n})
}

// target resolves the keyspace and table named by req.
func (s *Server) target(req *structpb.Struct) (*store.Store, string, error) {
	keyspace, err := stringArg(req, "keyspace")
	if err != nil {
		return nil, "", err
	}
	table, err := stringArg(req, "table")
	if err != nil {
		return nil, "", err
	}
	if err := store.ValidateIdentifier(table); err != nil {
		return nil, "", err
	}
	st, err := s.keyspace(keyspace)
	if err != nil {
		return nil, "", err
	}
	return st, table, nil
}

func stringArg(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || s.StringValue == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s.StringValue, nil
}

func intArg(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("argument %q must be an integer", name)
	}
	return int64(n.NumberValue), nil
}

// wireValue converts a column value into something structpb accepts.
func wireValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

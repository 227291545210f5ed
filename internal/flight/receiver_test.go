package flight

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/titanlog/titan/internal/batch"
	"github.com/titanlog/titan/internal/registry"
)

// fakeDoPutStream feeds a canned sequence of FlightData frames to a
// Receiver without a real gRPC transport. Only the methods the
// protocol-error paths under test actually call are implemented.
type fakeDoPutStream struct {
	grpc.ServerStream
	ctx    context.Context
	frames []*arrowflight.FlightData
	idx    int
}

func (f *fakeDoPutStream) Context() context.Context { return f.ctx }

func (f *fakeDoPutStream) Recv() (*arrowflight.FlightData, error) {
	if f.idx >= len(f.frames) {
		return nil, io.EOF
	}
	fr := f.frames[f.idx]
	f.idx++
	return fr, nil
}

func (f *fakeDoPutStream) SendAndClose(*arrowflight.PutResult) error { return nil }

// fakeSendStream captures the FlightData frames a arrowflight.Writer
// produces, so a test can replay them through fakeDoPutStream without a
// real gRPC transport in between.
type fakeSendStream struct {
	frames []*arrowflight.FlightData
}

func (f *fakeSendStream) Send(d *arrowflight.FlightData) error {
	cp := *d
	cp.DataHeader = append([]byte(nil), d.DataHeader...)
	cp.DataBody = append([]byte(nil), d.DataBody...)
	f.frames = append(f.frames, &cp)
	return nil
}

type fakeDispatcher struct{ received []batch.Enriched }

func (d *fakeDispatcher) Dispatch(_ context.Context, b batch.Enriched) error {
	d.received = append(d.received, b)
	return nil
}

func newTestReceiver(t *testing.T) (*Receiver, *fakeDispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	flights := registry.NewFlightRegistry(ctx)
	disp := &fakeDispatcher{}
	return NewReceiver(flights, disp, nil, nil, nil), disp
}

func TestDoPutRejectsEmptyDescriptorPath(t *testing.T) {
	r, _ := newTestReceiver(t)
	stream := &fakeDoPutStream{
		ctx: context.Background(),
		frames: []*arrowflight.FlightData{
			{FlightDescriptor: &arrowflight.FlightDescriptor{Path: nil}},
		},
	}

	err := r.DoPut(stream)
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestDoPutRejectsDescriptorFrameCarryingData(t *testing.T) {
	r, _ := newTestReceiver(t)
	stream := &fakeDoPutStream{
		ctx: context.Background(),
		frames: []*arrowflight.FlightData{
			{
				FlightDescriptor: &arrowflight.FlightDescriptor{Path: []string{"flights.orders"}},
				DataHeader:       []byte{0x01},
			},
		},
	}

	err := r.DoPut(stream)
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestDoPutPropagatesFirstRecvError(t *testing.T) {
	r, _ := newTestReceiver(t)
	stream := &fakeDoPutStream{ctx: context.Background()} // no frames -> Recv returns io.EOF

	err := r.DoPut(stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestFieldsFromSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "msg", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	fields := fieldsFromSchema(schema)
	require.Equal(t, []registry.Field{
		{Name: "id", DataType: "int32"},
		{Name: "msg", DataType: "utf8", Nullable: true},
	}, fields)
}

func TestHasDictionaryFieldsFalseForPlainSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int32}}, nil)
	require.False(t, hasDictionaryFields(schema))
}

// TestDoPutDecodesRealArrowIPCStream drives a genuine Arrow IPC schema
// message and record batch message, produced by the library's own
// writer rather than hand-assembled bytes, through Receiver.DoPut and
// checks the batch the dispatcher receives carries identical column
// data (spec §8 invariant 4 / end-to-end scenario 1).
func TestDoPutDecodesRealArrowIPCStream(t *testing.T) {
	r, disp := newTestReceiver(t)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "msg", Type: arrow.BinaryTypes.String},
	}, nil)

	mem := memory.NewGoAllocator()
	bld := array.NewRecordBuilder(mem, schema)
	defer bld.Release()
	bld.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 2, 3}, nil)
	bld.Field(1).(*array.StringBuilder).AppendValues([]string{"a", "b", "c"}, nil)
	rec := bld.NewRecord()
	defer rec.Release()

	send := &fakeSendStream{}
	writer := arrowflight.NewRecordWriter(send, ipc.WithSchema(schema))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	require.NotEmpty(t, send.frames)

	descriptorFrame := &arrowflight.FlightData{
		FlightDescriptor: &arrowflight.FlightDescriptor{
			Type: arrowflight.FlightDescriptor_PATH,
			Path: []string{"flights.orders"},
		},
	}
	stream := &fakeDoPutStream{
		ctx:    context.Background(),
		frames: append([]*arrowflight.FlightData{descriptorFrame}, send.frames...),
	}

	require.NoError(t, r.DoPut(stream))

	require.Len(t, disp.received, 1)
	got := disp.received[0]
	defer got.Record.Release()

	require.Equal(t, "flights.orders", got.Metadata.Flight)
	require.EqualValues(t, 3, got.Record.NumRows())

	idCol, ok := got.Record.Column(0).(*array.Int32)
	require.True(t, ok)
	require.Equal(t, []int32{1, 2, 3}, idCol.Int32Values())

	msgCol, ok := got.Record.Column(1).(*array.String)
	require.True(t, ok)
	require.Equal(t, "a", msgCol.Value(0))
	require.Equal(t, "b", msgCol.Value(1))
	require.Equal(t, "c", msgCol.Value(2))
}

package stream_test

import (
	"math/rand"
	"testing"

	"github.com/embervault/corelite/utils/stream"
	"github.com/google/go-cmp/cmp"
)

func ints(n int) stream.Stream {
	return &randomIntStream{n, 0}
}

type randomIntStream struct {
	n int
	v int
}

func (stream *randomIntStream) Next() bool {
	if stream.n > 0 {
		stream.n--
		stream.v = rand.Int()

		return true
	}

	return false
}

func (stream *randomIntStream) Value() interface{} {
	return stream.v
}

func (stream *randomIntStream) Error() error {
	return nil
}

func record(record *[]int) stream.Processor {
	*record = []int{}

	return func(stream stream.Stream) stream.Stream {
		return &streamRecorder{stream, record}
	}
}

type streamRecorder struct {
	stream.Stream
	record *[]int
}

func (stream *streamRecorder) Next() bool {
	if !stream.Stream.Next() {
		return false
	}

	*stream.record = append(*stream.record, stream.Value().(int))

	return true
}

func Drain(stream stream.Stream) {
	for stream.Next() {
	}
}

func Limit(ints []int, limit int) []int {
	if limit <= 0 || limit > len(ints) {
		return ints
	}

	return ints[:limit]
}

// TestPipelineLimit exercises the same composition docenum.New uses: a
// source stream run through Pipeline with a Limit processor.
func TestPipelineLimit(t *testing.T) {
	limit := 10

	input := []int{}
	output := []int{}

	Drain(stream.Pipeline(ints(1000), record(&input), stream.Limit(limit), record(&output)))
	diff := cmp.Diff(Limit(input, limit), output)

	if diff != "" {
		t.Fatalf(diff)
	}
}

// TestPipelineNoLimit confirms a limit <= 0 passes every element through.
func TestPipelineNoLimit(t *testing.T) {
	input := []int{}
	output := []int{}

	Drain(stream.Pipeline(ints(100), record(&input), stream.Limit(0), record(&output)))
	diff := cmp.Diff(input, output)

	if diff != "" {
		t.Fatalf(diff)
	}
}

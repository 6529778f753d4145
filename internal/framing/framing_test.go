package framing

import (
	"reflect"
	"testing"
)

func TestAccumulatorEndBytesRoundTrip(t *testing.T) {
	t.Run("Splits_On_Last_Delimiter_And_Retains_Residual", func(t *testing.T) {
		var emitted []string
		acc := NewAccumulator(Options{EndBytes: []byte("\r\n")}, func(packet []byte) {
			emitted = append(emitted, string(packet))
		})

		acc.Feed([]byte("A\r\nB"))
		acc.Feed([]byte("C\r\nD"))

		want := []string{"A", "BC"}
		if !reflect.DeepEqual(emitted, want) {
			t.Fatalf("expected frames %v, got %v", want, emitted)
		}
	})
}

func TestAccumulatorBufferingFunc(t *testing.T) {
	t.Run("Emit_With_Tail_Reinjects_Remainder", func(t *testing.T) {
		calls := 0
		var emitted [][]byte
		fn := func(chunks [][]byte) Decision {
			calls++
			if calls == 1 {
				return Decision{Kind: DecisionWait}
			}
			return Decision{Kind: DecisionEmitWithTail, Tail: []byte("tail")}
		}
		acc := NewAccumulator(Options{BufferingFunc: fn, CombineBufferedData: true}, func(packet []byte) {
			emitted = append(emitted, append([]byte(nil), packet...))
		})

		acc.Feed([]byte("part1"))
		acc.Feed([]byte("part2"))

		if len(emitted) != 1 || string(emitted[0]) != "part1part2" {
			t.Fatalf("expected a single emitted packet \"part1part2\", got %v", emitted)
		}
	})

	t.Run("Discard_Drops_Buffered_Chunks", func(t *testing.T) {
		var emitted [][]byte
		fn := func(chunks [][]byte) Decision { return Decision{Kind: DecisionDiscard} }
		acc := NewAccumulator(Options{BufferingFunc: fn}, func(packet []byte) {
			emitted = append(emitted, packet)
		})

		acc.Feed([]byte("noise"))

		if len(emitted) != 0 {
			t.Errorf("expected nothing emitted after a discard decision, got %v", emitted)
		}
	})
}

func TestSplitByStartBytes(t *testing.T) {
	t.Run("Splits_On_Start_Delimiter", func(t *testing.T) {
		frames := Split([]byte("#A#B#C"), []byte("#"), nil, false)
		want := [][]byte{[]byte("A"), []byte("B"), []byte("C")}
		if len(frames) != len(want) {
			t.Fatalf("expected %d frames, got %d (%v)", len(want), len(frames), frames)
		}
		for i := range want {
			if string(frames[i]) != string(want[i]) {
				t.Errorf("frame %d: expected %q, got %q", i, want[i], frames[i])
			}
		}
	})
}

func TestSplitNoDelimiters(t *testing.T) {
	t.Run("Whole_Buffer_Is_One_Packet", func(t *testing.T) {
		frames := Split([]byte("raw"), nil, nil, false)
		if len(frames) != 1 || string(frames[0]) != "raw" {
			t.Fatalf("expected a single packet \"raw\", got %v", frames)
		}
	})
}

package nca

import (
	"errors"
	"math/rand"
	"testing"

	"arcnca/internal/grid"
	"arcnca/internal/substrate"
)

var testLayout = substrate.Layout{Visible: 4, Hidden: 2}

func weightIndex(l substrate.Layout, o, n, in int) int {
	return o*substrate.NeighborhoodSize*l.Channels() + n*l.Channels() + in
}

func centerIndex() int {
	for i, off := range substrate.Neighborhood {
		if off.DX == 0 && off.DY == 0 {
			return i
		}
	}
	panic("no center offset")
}

func randomSubstrate(t *testing.T, rng *rand.Rand, layout substrate.Layout, h, w int) *substrate.Substrate {
	t.Helper()
	s, err := substrate.New(layout, h, w)
	if err != nil {
		t.Fatalf("new substrate: %v", err)
	}
	for i := range s.Data {
		s.Data[i] = rng.Float32()
	}
	return s
}

func TestNewRejectsWrongParamLength(t *testing.T) {
	spec := Spec{Layout: testLayout, Rule: Replace}
	if spec.ParamCount() != 306 {
		t.Fatalf("unexpected param count: %d", spec.ParamCount())
	}
	_, err := New(spec, make([]float32, 305))
	if !errors.Is(err, ErrParamLength) {
		t.Fatalf("expected ErrParamLength, got %v", err)
	}
}

func TestParseRuleRoundTrip(t *testing.T) {
	for _, name := range []string{"replace", "residual", "two_phase", "two_phase_replace"} {
		rule, err := ParseRule(name)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		if rule.String() != name {
			t.Fatalf("round trip mismatch: %s -> %s", name, rule.String())
		}
	}
	if _, err := ParseRule("bogus"); err == nil {
		t.Fatal("expected unsupported rule error")
	}
}

func TestTwoPhaseSplitsHiddenAndVisible(t *testing.T) {
	ph, err := Spec{Layout: testLayout, Rule: TwoPhase}.Phases()
	if err != nil {
		t.Fatalf("phases: %v", err)
	}
	if len(ph) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(ph))
	}
	if ph[0].OutLo != 4 || ph[0].OutHi != 6 || ph[0].InLo != 0 || ph[0].InHi != 10 || !ph[0].Accumulate {
		t.Fatalf("unexpected hidden phase: %+v", ph[0])
	}
	if ph[1].OutLo != 0 || ph[1].OutHi != 4 || ph[1].InLo != 4 || ph[1].InHi != 10 {
		t.Fatalf("unexpected visible phase: %+v", ph[1])
	}
}

func TestTransposedKernelMatchesChannelMajor(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, rule := range []Rule{Replace, Residual, TwoPhase, TwoPhaseReplace} {
		m, err := Random(Spec{Layout: testLayout, Rule: rule}, rng, 0.3)
		if err != nil {
			t.Fatalf("random model: %v", err)
		}
		a := randomSubstrate(t, rng, testLayout, 7, 5)
		b := a.Clone()
		if err := NewStepper(m.Kernel(ChannelMajor)).Run(a, 6); err != nil {
			t.Fatalf("run channel-major: %v", err)
		}
		if err := NewStepper(m.Kernel(Transposed)).Run(b, 6); err != nil {
			t.Fatalf("run transposed: %v", err)
		}
		for i := range a.Data {
			if a.Data[i] != b.Data[i] {
				t.Fatalf("%s: layouts diverge at %d: %v vs %v", rule, i, a.Data[i], b.Data[i])
			}
		}
	}
}

func TestAliveThresholdIsInclusive(t *testing.T) {
	spec := Spec{Layout: testLayout, Rule: Replace}
	m, err := Zero(spec)
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	m.Params()[weightIndex(testLayout, 0, centerIndex(), 0)] = 1

	for _, tc := range []struct {
		in   float32
		want float32
	}{
		{in: 0.49, want: 0},
		{in: 0.5, want: 0.5},
		{in: 0.75, want: 0.75},
	} {
		s, err := substrate.New(testLayout, 1, 1)
		if err != nil {
			t.Fatalf("new substrate: %v", err)
		}
		s.Data[0] = tc.in
		if err := m.Run(s, 1); err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := s.At(0, 0, testLayout.OutputChannel(0)); got != tc.want {
			t.Fatalf("input %v: got=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestOutOfBoundsNeighborsContributeNothing(t *testing.T) {
	m, err := Zero(Spec{Layout: testLayout, Rule: Replace})
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	// Every neighbor feeds output 0 with weight 0.2, so a lone cell sees only itself.
	for n := range substrate.Neighborhood {
		m.Params()[weightIndex(testLayout, 0, n, 0)] = 0.2
	}
	s, err := substrate.New(testLayout, 1, 1)
	if err != nil {
		t.Fatalf("new substrate: %v", err)
	}
	s.Data[0] = 1
	if err := m.Run(s, 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.At(0, 0, testLayout.OutputChannel(0)); got != 0.2 {
		t.Fatalf("expected only the center to contribute, got %v", got)
	}
}

func TestOutputsSaturate(t *testing.T) {
	m, err := Zero(Spec{Layout: testLayout, Rule: Residual})
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	biases := m.Biases()
	for i := range biases {
		if i%2 == 0 {
			biases[i] = 5
		} else {
			biases[i] = -5
		}
	}
	rng := rand.New(rand.NewSource(3))
	s := randomSubstrate(t, rng, testLayout, 3, 3)
	if err := m.Run(s, 3); err != nil {
		t.Fatalf("run: %v", err)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			for o := 0; o < testLayout.Outputs(); o++ {
				got := s.At(y, x, testLayout.OutputChannel(o))
				want := float32(1)
				if o%2 == 1 {
					want = 0
				}
				if got != want {
					t.Fatalf("cell (%d,%d) output %d: got=%v want=%v", y, x, o, got, want)
				}
			}
		}
	}
}

func TestReadOnlyBandNeverChanges(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, rule := range []Rule{Replace, Residual, TwoPhase} {
		m, err := Random(Spec{Layout: testLayout, Rule: rule}, rng, 1)
		if err != nil {
			t.Fatalf("random model: %v", err)
		}
		s := randomSubstrate(t, rng, testLayout, 4, 6)
		before := s.Clone()
		if err := m.Run(s, 10); err != nil {
			t.Fatalf("run: %v", err)
		}
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				for c := 0; c < testLayout.Visible; c++ {
					if s.At(y, x, c) != before.At(y, x, c) {
						t.Fatalf("%s: read-only channel %d changed at (%d,%d)", rule, c, y, x)
					}
				}
			}
		}
	}
}

func TestUpdateIsSynchronous(t *testing.T) {
	m, err := Zero(Spec{Layout: testLayout, Rule: Replace})
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	writable := testLayout.WritableStart()
	for n := range substrate.Neighborhood {
		m.Params()[weightIndex(testLayout, 0, n, writable)] = 1
	}
	s, err := substrate.New(testLayout, 1, 7)
	if err != nil {
		t.Fatalf("new substrate: %v", err)
	}
	s.Data[s.Index(0, 3, writable)] = 1
	if err := m.Run(s, 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []float32{0, 0, 1, 1, 1, 0, 0}
	for x, w := range want {
		if got := s.At(0, x, writable); got != w {
			t.Fatalf("x=%d: got=%v want=%v", x, got, w)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	m, err := Random(Spec{Layout: testLayout, Rule: TwoPhase}, rng, 0.5)
	if err != nil {
		t.Fatalf("random model: %v", err)
	}
	a := randomSubstrate(t, rng, testLayout, 9, 9)
	b := a.Clone()
	st := NewStepper(m.Kernel(ChannelMajor))
	if err := st.Run(a, 12); err != nil {
		t.Fatalf("run a: %v", err)
	}
	if err := st.Run(b, 12); err != nil {
		t.Fatalf("run b: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("runs diverge at %d", i)
		}
	}
}

func TestRunRejectsMismatchedLayout(t *testing.T) {
	m, err := Zero(Spec{Layout: testLayout, Rule: Replace})
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	s, err := substrate.New(substrate.Layout{Visible: 4, Hidden: 0}, 2, 2)
	if err != nil {
		t.Fatalf("new substrate: %v", err)
	}
	if err := m.Run(s, 1); !errors.Is(err, substrate.ErrLayout) {
		t.Fatalf("expected ErrLayout, got %v", err)
	}
}

func TestIdentityCopiesInputToOutput(t *testing.T) {
	m, err := Zero(Spec{Layout: testLayout, Rule: Replace})
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	center := centerIndex()
	for c := 0; c < testLayout.Visible; c++ {
		m.Params()[weightIndex(testLayout, c, center, c)] = 1
	}
	in := grid.MustFromRows([][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 9}})
	s, err := substrate.FromGrid(testLayout, in)
	if err != nil {
		t.Fatalf("from grid: %v", err)
	}
	if err := m.Run(s, 4); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, err := s.ReadOut()
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("identity mismatch: got %v want %v", out.Rows(), in.Rows())
	}
}

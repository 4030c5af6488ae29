package idle

import "testing"

func TestConfidenceSleepingOnIOAloneIsIdle(t *testing.T) {
	s := Signals{ProcessState: ProcessSleepingOnIO, MillisSinceOutput: 0, PaneTail: "x"}
	if !Idle(s, Default) {
		t.Fatalf("expected sleeping-on-io signal alone (0.95) to exceed threshold %v", Default.Threshold)
	}
}

func TestConfidenceRunningIsDefinitivelyBusy(t *testing.T) {
	if !ProcessDefinitivelyBusy(ProcessRunning) {
		t.Fatalf("expected running process to be definitively busy")
	}
}

func TestSilenceSignalScalesLinearly(t *testing.T) {
	floor := silenceSignal(Default.SilenceFloorMS, Default)
	ceil := silenceSignal(Default.SilenceCeilMS, Default)
	mid := silenceSignal((Default.SilenceFloorMS+Default.SilenceCeilMS)/2, Default)

	if floor != 0 {
		t.Fatalf("expected 0 at floor, got %v", floor)
	}
	if ceil != 0.8 {
		t.Fatalf("expected 0.8 at ceiling, got %v", ceil)
	}
	if mid <= floor || mid >= ceil {
		t.Fatalf("expected midpoint signal strictly between floor and ceiling, got %v", mid)
	}
}

func TestAgreementBonusApplied(t *testing.T) {
	s := Signals{ProcessState: ProcessUnknown, MillisSinceOutput: Default.SilenceCeilMS, PaneTail: "done.\n$ "}
	c := Confidence(s, Default)
	if c <= 0.8 {
		t.Fatalf("expected agreement bonus to push confidence above the raw 0.8 silence signal, got %v", c)
	}
}

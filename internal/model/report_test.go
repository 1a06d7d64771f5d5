package model

import "testing"

func TestStageNextSequence(t *testing.T) {
	want := []Stage{
		StageAwaitingUpload,
		StageAwaitingDateOrAntibiotics,
		StageAwaitingDietConfirmation,
		StageAwaitingEnergyConfirmation,
		StageAwaitingDigestiveConfirmation,
		StageSummaryDelivered,
		StageFreeformQA,
	}
	s := StageAwaitingUpload
	for i := 1; i < len(want); i++ {
		s = s.Next()
		if s != want[i] {
			t.Fatalf("第 %d 步应为 %s, got: %s", i, want[i], s)
		}
	}
	// 终态自环
	if StageFreeformQA.Next() != StageFreeformQA {
		t.Fatalf("自由问答应自环, got: %s", StageFreeformQA.Next())
	}
}

func TestStageCanAdvanceToForwardOnly(t *testing.T) {
	all := []Stage{
		StageAwaitingUpload,
		StageAwaitingDateOrAntibiotics,
		StageAwaitingDietConfirmation,
		StageAwaitingEnergyConfirmation,
		StageAwaitingDigestiveConfirmation,
		StageSummaryDelivered,
		StageFreeformQA,
	}
	for i, from := range all {
		for j, to := range all {
			got := from.CanAdvanceTo(to)
			want := j == i+1 || (from == StageFreeformQA && to == StageFreeformQA)
			if got != want {
				t.Fatalf("CanAdvanceTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStageValid(t *testing.T) {
	if !StageSummaryDelivered.Valid() {
		t.Fatal("已知阶段应合法")
	}
	if Stage("").Valid() {
		t.Fatal("空阶段不应合法")
	}
	if Stage("awaiting_antibiotics").Valid() {
		t.Fatal("未知阶段不应合法")
	}
}

package pipeline

import "testing"

func TestStageMachineAcceptsFixedOrder(t *testing.T) {
	machine := &stageMachine{}
	for _, stage := range stageOrder {
		if err := machine.enter(stage); err != nil {
			t.Fatalf("enter %s: %v", stage, err)
		}
	}
	if !machine.done() {
		t.Fatal("machine not done after final stage")
	}
	if err := machine.enter(StageClear); err == nil {
		t.Fatal("expected error entering a stage after completion")
	}
}

func TestStageMachineRejectsSkippedStage(t *testing.T) {
	machine := &stageMachine{}
	if err := machine.enter(StageClear); err != nil {
		t.Fatalf("enter clear: %v", err)
	}
	if err := machine.enter(StageImportDetections); err == nil {
		t.Fatal("expected error when skipping import_ontology")
	}
}

func TestStageMachineRejectsRepeatedStage(t *testing.T) {
	machine := &stageMachine{}
	if err := machine.enter(StageClear); err != nil {
		t.Fatalf("enter clear: %v", err)
	}
	if err := machine.enter(StageClear); err == nil {
		t.Fatal("expected error re-entering clear")
	}
	if machine.done() {
		t.Fatal("machine done after a single stage")
	}
}

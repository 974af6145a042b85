package history_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/openmuse/docent/internal/history"
)

func TestMemory_AppendAndRecent(t *testing.T) {
	t.Parallel()

	m := history.NewMemory()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "c1", "这是什么?", "这是青铜鼎。"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendTurn(ctx, "c1", "哪个朝代的?", "商代晚期。"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendTurn(ctx, "c2", "你好", "你好！"); err != nil {
		t.Fatal(err)
	}

	turns, err := m.RecentTurns(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 {
		t.Fatalf("turns = %d, want 4 (two exchanges)", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "这是什么?" {
		t.Errorf("turns[0] = %+v", turns[0])
	}
	if turns[1].Role != "assistant" || turns[3].Content != "商代晚期。" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestMemory_RecentLimitsToNewest(t *testing.T) {
	t.Parallel()

	m := history.NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.AppendTurn(ctx, "c1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := m.RecentTurns(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(turns))
	}
	if turns[0].Content != "q3" || turns[2].Content != "q4" {
		t.Errorf("want the two newest exchanges, got %+v", turns)
	}
}

func TestMemory_TrimsOldTurns(t *testing.T) {
	t.Parallel()

	m := history.NewMemory()
	ctx := context.Background()
	for i := 0; i < 80; i++ {
		if err := m.AppendTurn(ctx, "c1", fmt.Sprintf("q%d", i), "a"); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := m.RecentTurns(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 100 {
		t.Fatalf("turns = %d, want 100 (50 retained exchanges)", len(turns))
	}
	if turns[0].Content != "q30" {
		t.Errorf("oldest retained = %q, want q30", turns[0].Content)
	}
}

func TestMemory_UnknownClient(t *testing.T) {
	t.Parallel()

	m := history.NewMemory()
	turns, err := m.RecentTurns(context.Background(), "nobody", 5)
	if err != nil || len(turns) != 0 {
		t.Errorf("unknown client: turns=%v err=%v", turns, err)
	}
}

func TestMemory_Breakpoints(t *testing.T) {
	t.Parallel()

	m := history.NewMemory()
	ctx := context.Background()

	if _, ok, err := m.LoadBreakpoint(ctx, "c1"); ok || err != nil {
		t.Fatalf("fresh store: ok=%v err=%v", ok, err)
	}

	bp := history.Breakpoint{
		ClientID:  "c1",
		Zone:      "bronze",
		Profile:   "adult",
		Stops:     []string{"a", "b", "c"},
		StopIndex: 1,
		Epoch:     7,
	}
	if err := m.SaveBreakpoint(ctx, bp); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.LoadBreakpoint(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.StopIndex != 1 || got.Epoch != 7 || len(got.Stops) != 3 {
		t.Errorf("breakpoint = %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("save must stamp UpdatedAt")
	}

	// Upsert replaces the previous position.
	bp.StopIndex = 2
	if err := m.SaveBreakpoint(ctx, bp); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := m.LoadBreakpoint(ctx, "c1"); got.StopIndex != 2 {
		t.Errorf("after upsert StopIndex = %d, want 2", got.StopIndex)
	}
}

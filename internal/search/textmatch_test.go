package search

import (
	"math"
	"testing"
)

func TestTermScore_ReferenceCase(t *testing.T) {
	// Two word hits (2+2), distinct bonus (1.5*2), phrase bonus (10).
	got := TermScore("boss rag", "BOSS RAG system is enterprise grade")
	if got != 17.0 {
		t.Errorf("got %v, want 17.0", got)
	}
}

func TestTermScore_SingleToken(t *testing.T) {
	// One distinct match earns no distinct bonus and no phrase bonus.
	if got := TermScore("deploy", "deploy the deploy script"); got != 4.0 {
		t.Errorf("repeated hits: got %v, want 4.0", got)
	}
	if got := TermScore("deploy", "nothing relevant here"); got != 0 {
		t.Errorf("no hits: got %v, want 0", got)
	}
}

func TestTermScore_PhraseRequiresContiguity(t *testing.T) {
	// Both tokens match but never adjacently: no phrase bonus.
	got := TermScore("boss rag", "the rag pipeline reports to the boss")
	want := 2.0 + 2.0 + 1.5*2
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTermScore_ShortTokensDropped(t *testing.T) {
	// "is" and "a" are too short to count; only "database" scores.
	got := TermScore("is a database", "this database is a database")
	if got != 4.0 {
		t.Errorf("got %v, want 4.0", got)
	}
}

func TestTermScore_WordBoundary(t *testing.T) {
	// "rag" inside "storage" is not a word-boundary hit.
	if got := TermScore("rag", "storage fragment"); got != 0 {
		t.Errorf("substring inside word: got %v, want 0", got)
	}
	if got := TermScore("rag", "the rag doll"); got != 2.0 {
		t.Errorf("standalone word: got %v, want 2.0", got)
	}
}

func TestTermScore_EmptyInputs(t *testing.T) {
	if got := TermScore("", "content"); got != 0 {
		t.Errorf("empty query: got %v, want 0", got)
	}
	if got := TermScore("ab x y", "content"); got != 0 {
		t.Errorf("only short tokens: got %v, want 0", got)
	}
	if got := TermScore("query", ""); got != 0 {
		t.Errorf("empty content: got %v, want 0", got)
	}
}

func TestTermScore_CaseInsensitive(t *testing.T) {
	a := TermScore("Boss RAG", "boss rag system")
	b := TermScore("boss rag", "BOSS RAG SYSTEM")
	if math.Abs(a-b) > 1e-12 {
		t.Errorf("case variance: %v vs %v", a, b)
	}
}

package inference

import (
	"reflect"
	"testing"
)

const testVocab = `{"model":{"vocab":{
	"[UNK]":0,"[CLS]":1,"[SEP]":2,"elon":3,"musk":4,"founded":5,"space":6,"##x":7,".":8,
	"what":9,"is":10,"the":11,"moon":12,"?":13,"a":14,"natural":15,"satellite":16
}}}`

func testTokenizer(t *testing.T) *WordPieceTokenizer {
	t.Helper()
	tok, err := parseWordPieceTokenizer([]byte(testVocab))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestSplitWordsWithOffsets(t *testing.T) {
	in := "My name is John Smith."
	out := splitWordsWithOffsets(in)
	if len(out) != 6 {
		t.Fatalf("expected 6 tokens, got %d: %+v", len(out), out)
	}
	if out[3].Text != "John" || out[3].Start != 11 || out[3].End != 15 {
		t.Fatalf("unexpected token mapping: %+v", out[3])
	}
	if out[5].Text != "." || out[5].Start != 21 {
		t.Fatalf("expected trailing punctuation token, got %+v", out[5])
	}
}

func TestEncode(t *testing.T) {
	enc := testTokenizer(t).Encode("Elon Musk founded SpaceX.")
	wantIDs := []int64{1, 3, 4, 5, 6, 7, 8, 2}
	if !reflect.DeepEqual(enc.InputIDs, wantIDs) {
		t.Fatalf("ids = %v, want %v", enc.InputIDs, wantIDs)
	}
	wantWords := []int{-1, 0, 1, 2, 3, 3, 4, -1}
	if !reflect.DeepEqual(enc.WordIndex, wantWords) {
		t.Fatalf("word index = %v, want %v", enc.WordIndex, wantWords)
	}
	if !enc.FirstPiece(4) || enc.FirstPiece(5) || enc.FirstPiece(0) {
		t.Fatal("unexpected first-piece flags")
	}
}

func TestEncodeUnknownWord(t *testing.T) {
	enc := testTokenizer(t).Encode("zzz")
	if !reflect.DeepEqual(enc.InputIDs, []int64{1, 0, 2}) {
		t.Fatalf("ids = %v", enc.InputIDs)
	}
}

func TestEncodePair(t *testing.T) {
	enc := testTokenizer(t).EncodePair("What is the moon?", "The moon is a natural satellite.")
	if enc.Len() != 15 {
		t.Fatalf("len = %d, want 15", enc.Len())
	}
	wantTypes := []int64{0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1}
	if !reflect.DeepEqual(enc.TokenTypeIDs, wantTypes) {
		t.Fatalf("token types = %v", enc.TokenTypeIDs)
	}
	for i := 7; i <= 13; i++ {
		if enc.Segment[i] != 1 {
			t.Fatalf("token %d not in context segment", i)
		}
	}
	if w := enc.Words[1][enc.WordIndex[11]]; w.Text != "natural" || w.Start != 14 {
		t.Fatalf("unexpected context word %+v", w)
	}
}

func TestTokenizerMissingSpecialTokens(t *testing.T) {
	if _, err := parseWordPieceTokenizer([]byte(`{"model":{"vocab":{"[UNK]":0}}}`)); err == nil {
		t.Fatal("expected error for missing [CLS]")
	}
	if _, err := parseWordPieceTokenizer([]byte(`{`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGroupEntities(t *testing.T) {
	text := "John Smith met Acme"
	words := splitWordsWithOffsets(text)
	labels := []string{"B-PER", "I-PER", "O", "B-ORG"}
	scores := []float64{0.9, 0.8, 0, 0.85}
	ents := groupEntities(text, words, labels, scores)
	if len(ents) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(ents))
	}
	if ents[0].Word != "John Smith" || ents[0].Group != "PER" || ents[0].Start != 0 || ents[0].End != 10 {
		t.Fatalf("unexpected entity %#v", ents[0])
	}
	if ents[0].Score < 0.849 || ents[0].Score > 0.851 {
		t.Fatalf("expected mean score, got %f", ents[0].Score)
	}
	if ents[1].Word != "Acme" || ents[1].Group != "ORG" {
		t.Fatalf("unexpected entity %#v", ents[1])
	}
}

func TestGroupEntitiesIOB1(t *testing.T) {
	text := "Berlin Paris"
	words := splitWordsWithOffsets(text)
	ents := groupEntities(text, words, []string{"I-LOC", "B-LOC"}, []float64{0.9, 0.9})
	if len(ents) != 2 || ents[0].Word != "Berlin" || ents[1].Word != "Paris" {
		t.Fatalf("unexpected entities %#v", ents)
	}
}

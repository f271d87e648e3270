package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Token is a word or punctuation mark with byte offsets into its segment.
type Token struct {
	Text       string
	Start, End int
}

type WordPieceTokenizer struct {
	vocab      map[string]int
	unkID      int
	clsID      int
	sepID      int
	maxWordLen int
	maxSeqLen  int
	lowercase  bool
}

// Encoding is the model feed for one or two segments. Per-token slices are
// aligned with InputIDs; special tokens have WordIndex and Segment -1.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	WordIndex     []int
	Segment       []int
	Words         [2][]Token
}

func (e *Encoding) Len() int { return len(e.InputIDs) }

// FirstPiece reports whether token i starts a word.
func (e *Encoding) FirstPiece(i int) bool {
	if e.WordIndex[i] < 0 {
		return false
	}
	return i == 0 || e.WordIndex[i-1] != e.WordIndex[i] || e.Segment[i-1] != e.Segment[i]
}

type tokenizerJSON struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	Normalizer struct {
		Lowercase *bool `json:"lowercase"`
	} `json:"normalizer"`
}

func NewWordPieceTokenizer(tokenizerPath string) (*WordPieceTokenizer, error) {
	raw, err := os.ReadFile(tokenizerPath)
	if err != nil {
		return nil, err
	}
	return parseWordPieceTokenizer(raw)
}

func parseWordPieceTokenizer(raw []byte) (*WordPieceTokenizer, error) {
	var cfg tokenizerJSON
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	vocab := cfg.Model.Vocab
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json model.vocab is empty")
	}
	ids := map[string]int{}
	for _, special := range []string{"[UNK]", "[CLS]", "[SEP]"} {
		id, ok := vocab[special]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocab is missing %s", special)
		}
		ids[special] = id
	}
	lowercase := true
	if cfg.Normalizer.Lowercase != nil {
		lowercase = *cfg.Normalizer.Lowercase
	}
	return &WordPieceTokenizer{
		vocab:      vocab,
		unkID:      ids["[UNK]"],
		clsID:      ids["[CLS]"],
		sepID:      ids["[SEP]"],
		maxWordLen: 100,
		maxSeqLen:  512,
		lowercase:  lowercase,
	}, nil
}

// Encode builds [CLS] text [SEP], truncated to the model's sequence limit.
func (t *WordPieceTokenizer) Encode(text string) *Encoding {
	enc := &Encoding{}
	enc.Words[0] = splitWordsWithOffsets(text)
	enc.special(t.clsID)
	t.appendSegment(enc, 0, 0, t.maxSeqLen-1)
	enc.special(t.sepID)
	return enc
}

// EncodePair builds [CLS] first [SEP] second [SEP]. Only the second segment
// is truncated.
func (t *WordPieceTokenizer) EncodePair(first, second string) *Encoding {
	enc := &Encoding{}
	enc.Words[0] = splitWordsWithOffsets(first)
	enc.Words[1] = splitWordsWithOffsets(second)
	enc.special(t.clsID)
	t.appendSegment(enc, 0, 0, t.maxSeqLen/2)
	enc.special(t.sepID)
	t.appendSegment(enc, 1, 1, t.maxSeqLen-1)
	enc.InputIDs = append(enc.InputIDs, int64(t.sepID))
	enc.AttentionMask = append(enc.AttentionMask, 1)
	enc.TokenTypeIDs = append(enc.TokenTypeIDs, 1)
	enc.WordIndex = append(enc.WordIndex, -1)
	enc.Segment = append(enc.Segment, -1)
	return enc
}

func (e *Encoding) special(id int) {
	e.InputIDs = append(e.InputIDs, int64(id))
	e.AttentionMask = append(e.AttentionMask, 1)
	e.TokenTypeIDs = append(e.TokenTypeIDs, 0)
	e.WordIndex = append(e.WordIndex, -1)
	e.Segment = append(e.Segment, -1)
}

func (t *WordPieceTokenizer) appendSegment(enc *Encoding, segment int, typeID int64, limit int) {
	for wi, word := range enc.Words[segment] {
		for _, pieceID := range t.wordToPieces(word.Text) {
			if len(enc.InputIDs) >= limit {
				return
			}
			enc.InputIDs = append(enc.InputIDs, int64(pieceID))
			enc.AttentionMask = append(enc.AttentionMask, 1)
			enc.TokenTypeIDs = append(enc.TokenTypeIDs, typeID)
			enc.WordIndex = append(enc.WordIndex, wi)
			enc.Segment = append(enc.Segment, segment)
		}
	}
}

func (t *WordPieceTokenizer) wordToPieces(word string) []int {
	if word == "" {
		return []int{t.unkID}
	}
	normalized := word
	if t.lowercase {
		normalized = strings.ToLower(word)
	}
	runes := []rune(normalized)
	if len(runes) > t.maxWordLen {
		return []int{t.unkID}
	}
	if id, ok := t.vocab[normalized]; ok {
		return []int{id}
	}
	ids := make([]int, 0, 4)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found == -1 {
			return []int{t.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// splitWordsWithOffsets splits on whitespace and emits each punctuation or
// symbol rune as its own token, as BERT pre-tokenization does.
func splitWordsWithOffsets(text string) []Token {
	tokens := make([]Token, 0)
	start := -1
	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, Token{Text: text[start:end], Start: start, End: end})
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			if start < 0 {
				start = i
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(i)
			end := i + len(string(r))
			tokens = append(tokens, Token{Text: text[i:end], Start: i, End: end})
		default:
			flush(i)
		}
	}
	flush(len(text))
	return tokens
}

package embedding

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/referent-cli/internal/normalize"
)

// DefaultMaxSeqLen bounds tokenized sequences, [CLS] and [SEP] included.
const DefaultMaxSeqLen = 128

// vocab is a WordPiece vocabulary; a token's id is its 0-based line number.
type vocab struct {
	ids   map[string]int64
	padID int64
	unkID int64
	clsID int64
	sepID int64
}

func loadVocab(path string) (*vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "embedding: open vocab")
	}
	defer f.Close() //nolint:errcheck

	v := &vocab{ids: make(map[string]int64, 32000)}
	var n int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v.ids[sc.Text()] = n
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "embedding: read vocab")
	}
	if n == 0 {
		return nil, eris.Errorf("embedding: vocab %s is empty", path)
	}

	for name, dst := range map[string]*int64{"[PAD]": &v.padID, "[UNK]": &v.unkID, "[CLS]": &v.clsID, "[SEP]": &v.sepID} {
		id, ok := v.ids[name]
		if !ok {
			return nil, eris.Errorf("embedding: vocab %s lacks special token %s", path, name)
		}
		*dst = id
	}
	return v, nil
}

func (v *vocab) lookup(tok string) int64 {
	if id, ok := v.ids[tok]; ok {
		return id
	}
	return v.unkID
}

// tokenized is a padded batch laid out flat as [batch*seqLen].
type tokenized struct {
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
	batchSize     int64
	seqLen        int64
}

// tokenizer is a lower-casing, accent-stripping WordPiece tokenizer.
type tokenizer struct {
	vocab  *vocab
	maxLen int
}

func newTokenizer(vocabPath string, maxLen int) (*tokenizer, error) {
	v, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	if maxLen < 3 {
		maxLen = DefaultMaxSeqLen
	}
	return &tokenizer{vocab: v, maxLen: maxLen}, nil
}

// encode returns the ids of [CLS] text [SEP], truncated to maxLen.
func (t *tokenizer) encode(text string) []int64 {
	var pieces []string
	for _, word := range basicTokens(text) {
		pieces = append(pieces, t.wordpiece(word)...)
	}
	if len(pieces) > t.maxLen-2 {
		pieces = pieces[:t.maxLen-2]
	}

	ids := make([]int64, 0, len(pieces)+2)
	ids = append(ids, t.vocab.clsID)
	for _, p := range pieces {
		ids = append(ids, t.vocab.lookup(p))
	}
	return append(ids, t.vocab.sepID)
}

// batch encodes texts and pads them to the longest sequence among them.
func (t *tokenizer) batch(texts []string) tokenized {
	seqs := make([][]int64, len(texts))
	longest := 0
	for i, text := range texts {
		seqs[i] = t.encode(text)
		longest = max(longest, len(seqs[i]))
	}

	out := tokenized{
		inputIDs:      make([]int64, len(texts)*longest),
		attentionMask: make([]int64, len(texts)*longest),
		tokenTypeIDs:  make([]int64, len(texts)*longest),
		batchSize:     int64(len(texts)),
		seqLen:        int64(longest),
	}
	for i, ids := range seqs {
		off := i * longest
		for j := range longest {
			if j < len(ids) {
				out.inputIDs[off+j] = ids[j]
				out.attentionMask[off+j] = 1
			} else {
				out.inputIDs[off+j] = t.vocab.padID
			}
		}
	}
	return out
}

// wordpiece splits a basic token greedily into the longest vocab pieces.
// A token with no full decomposition becomes [UNK].
func (t *tokenizer) wordpiece(word string) []string {
	rs := []rune(word)
	if len(rs) > 100 {
		return []string{"[UNK]"}
	}

	var pieces []string
	for start := 0; start < len(rs); {
		end := len(rs)
		for ; end > start; end-- {
			sub := string(rs[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab.ids[sub]; ok {
				pieces = append(pieces, sub)
				break
			}
		}
		if end == start {
			return []string{"[UNK]"}
		}
		start = end
	}
	return pieces
}

// basicTokens lower-cases and strips accents, then splits on whitespace
// and around punctuation, keeping punctuation as its own token.
func basicTokens(text string) []string {
	text = strings.ToLower(normalize.StripDiacritics(text))

	var (
		tokens []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r), r == 0xFFFD:
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

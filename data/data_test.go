package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

func mustTensor(t *testing.T, data []float64, shape ...int) *tensor.Tensor {
	t.Helper()
	return tensor.MustNew(data, shape...)
}

func writeLexicon(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lexicon.tsv")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write lexicon: %v", err)
	}
	return path
}

const sampleLexicon = "" +
	"u1\tlibrispeech\tcat\tK AE T\n" +
	"u2\tlibrispeech\tdog\tD AO G\n" +
	"u3\twikipedia\tread\tR IY D\tread\t0\t6\n" +
	"u4\twikipedia\tread\tR EH D\tread\t0\t6\n"

func TestLoadTSV(t *testing.T) {
	ds, err := LoadTSV(writeLexicon(t, sampleLexicon))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ds.Len() != 4 {
		t.Fatalf("loaded %d items, want 4", ds.Len())
	}
	first := ds.Items[0]
	if len(first.Graphemes) != 3 || first.Graphemes[0] != "c" {
		t.Fatalf("graphemes = %v", first.Graphemes)
	}
	if len(first.Phonemes) != 3 || first.Phonemes[2] != "T" {
		t.Fatalf("phonemes = %v", first.Phonemes)
	}
	hg := ds.Items[2]
	if hg.Word != "read" || hg.WordStart != 0 || hg.WordEnd != 6 {
		t.Fatalf("homograph fields = %q %d %d", hg.Word, hg.WordStart, hg.WordEnd)
	}
}

func TestFilterOrigin(t *testing.T) {
	ds, err := LoadTSV(writeLexicon(t, sampleLexicon))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := ds.FilterOrigin("wikipedia").Len(); got != 2 {
		t.Fatalf("filtered count = %d, want 2", got)
	}
	if got := ds.FilterOrigin("*").Len(); got != 4 {
		t.Fatalf("wildcard count = %d, want 4", got)
	}
}

func TestSortModes(t *testing.T) {
	ds := &Dataset{Items: []Item{
		{ID: "a", Graphemes: []string{"x", "y", "z"}},
		{ID: "b", Graphemes: []string{"x"}},
		{ID: "c", Graphemes: []string{"x", "y"}},
	}}
	if err := ds.Sort("ascending", 0); err != nil {
		t.Fatalf("sort: %v", err)
	}
	if ds.Items[0].ID != "b" || ds.Items[2].ID != "a" {
		t.Fatalf("ascending order = %v", ds.Items)
	}
	if err := ds.Sort("descending", 0); err != nil {
		t.Fatalf("sort: %v", err)
	}
	if ds.Items[0].ID != "a" {
		t.Fatalf("descending order = %v", ds.Items)
	}
	if err := ds.Sort("random", 42); err != nil {
		t.Fatalf("random sort: %v", err)
	}
	if err := ds.Sort("bogus", 0); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestSubsample(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 10; i++ {
		ds.Items = append(ds.Items, Item{ID: string(rune('a' + i))})
	}
	if got := ds.Subsample(3, false, 0).Len(); got != 3 {
		t.Fatalf("subsampled count = %d, want 3", got)
	}
	if got := ds.Subsample(0, false, 0).Len(); got != 10 {
		t.Fatalf("disabled sampling count = %d, want 10", got)
	}
	if got := ds.Subsample(25, false, 0).Len(); got != 10 {
		t.Fatalf("oversized sample count = %d, want 10", got)
	}
	sub := ds.Subsample(3, false, 0)
	if sub.Items[0].ID != "a" {
		t.Fatalf("unshuffled subsample should keep head order")
	}
	shuffled := ds.Subsample(3, true, 42)
	if shuffled.Len() != 3 {
		t.Fatalf("shuffled sample count = %d, want 3", shuffled.Len())
	}
}

func TestRebalanceByWord(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 9; i++ {
		ds.Items = append(ds.Items, Item{ID: "r", Word: "read"})
	}
	ds.Items = append(ds.Items, Item{ID: "l", Word: "live"})
	balanced := ds.RebalanceByWord(7)
	if balanced.Len() != 10 {
		t.Fatalf("balanced size = %d, want 10", balanced.Len())
	}
	live := 0
	for _, item := range balanced.Items {
		if item.Word == "live" {
			live++
		}
	}
	// Equal word probability pulls the rare word far above its 10% share.
	if live < 2 {
		t.Fatalf("rare word drawn %d times out of 10", live)
	}
}

func TestBatchesPadAndEncode(t *testing.T) {
	ds, err := LoadTSV(writeLexicon(t, sampleLexicon))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	genc, penc := BuildEncoders(ds)
	batches, err := ds.Batches(3, genc, penc)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("batch count = %d, want 2", len(batches))
	}
	b := batches[0]
	if b.Size() != 3 {
		t.Fatalf("first batch size = %d", b.Size())
	}
	shape := b.Graphemes.Shape()
	if shape[0] != 3 || shape[1] != 4 {
		t.Fatalf("grapheme shape = %v", shape)
	}
	// "cat" is padded from 3 to 4 graphemes.
	if b.GraphemeLens[0] != 0.75 {
		t.Fatalf("grapheme len = %g, want 0.75", b.GraphemeLens[0])
	}
	if int(b.PhonemeBOS.At(0, 0)) != penc.BOS() {
		t.Fatalf("decoder input must start with BOS")
	}
	eosSeq := b.PhonemesEOS[0]
	if eosSeq[len(eosSeq)-1] != penc.EOS() {
		t.Fatalf("target must end with EOS")
	}
}

func TestEncodeUnknownFails(t *testing.T) {
	enc := NewLabelEncoder()
	enc.Add("K")
	if _, err := enc.Encode([]string{"K", "ZZ"}); err == nil {
		t.Fatalf("expected unknown label error")
	}
}

func TestUndoPadding(t *testing.T) {
	padded := [][]float64{{5, 6, 0, 0}, {7, 8, 9, 1}}
	flat := append(append([]float64(nil), padded[0]...), padded[1]...)
	tens := mustTensor(t, flat, 2, 4)
	seqs, err := UndoPadding(tens, []float64{0.5, 1.0})
	if err != nil {
		t.Fatalf("undo padding: %v", err)
	}
	if len(seqs[0]) != 2 || seqs[0][1] != 6 {
		t.Fatalf("first sequence = %v", seqs[0])
	}
	if len(seqs[1]) != 4 || seqs[1][3] != 1 {
		t.Fatalf("second sequence = %v", seqs[1])
	}
}

func TestLabelEncoderSpecials(t *testing.T) {
	enc := NewLabelEncoder()
	k := enc.Add("K")
	if !enc.IsSpecial(enc.BOS()) || !enc.IsSpecial(enc.EOS()) {
		t.Fatalf("BOS/EOS must be special")
	}
	if enc.IsSpecial(k) {
		t.Fatalf("plain label marked special")
	}
	toks, err := enc.Decode([]int{k})
	if err != nil || toks[0] != "K" {
		t.Fatalf("decode = %v, %v", toks, err)
	}
}

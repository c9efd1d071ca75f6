package data

import (
	"bufio"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Item is one lexicon entry. PhonemeBase holds the raw phoneme tokens the
// homograph offsets refer to; Phonemes may be a retokenized version of the
// same pronunciation and the two are identical when no tokenizer is used.
type Item struct {
	ID           string
	Origin       string
	Char         string
	Graphemes    []string
	Phonemes     []string
	PhonemeBase  []string
	Word         string
	WordStart    int
	WordEnd      int
}

// Dataset is an ordered collection of items.
type Dataset struct {
	Items []Item
}

// LoadTSV reads a tab-separated lexicon: id, origin, word text, phonemes,
// then optionally the homograph word with its raw-space offsets. Graphemes
// are the characters of the word text; phonemes are space-separated.
func LoadTSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()

	ds := &Dataset{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 4 {
			return nil, errors.Errorf("line %d: expected at least 4 fields, got %d", line, len(fields))
		}
		item := Item{
			ID:     fields[0],
			Origin: fields[1],
			Char:   fields[2],
		}
		for _, r := range fields[2] {
			item.Graphemes = append(item.Graphemes, string(r))
		}
		item.Phonemes = strings.Fields(fields[3])
		item.PhonemeBase = item.Phonemes
		if len(fields) >= 7 {
			item.Word = fields[4]
			start, err := strconv.Atoi(fields[5])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: homograph start", line)
			}
			end, err := strconv.Atoi(fields[6])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: homograph end", line)
			}
			item.WordStart, item.WordEnd = start, end
		}
		ds.Items = append(ds.Items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read dataset")
	}
	return ds, nil
}

// FilterOrigin keeps items whose origin matches. "*" keeps everything.
func (d *Dataset) FilterOrigin(origin string) *Dataset {
	if origin == "" || origin == "*" {
		return &Dataset{Items: append([]Item(nil), d.Items...)}
	}
	out := &Dataset{}
	for _, item := range d.Items {
		if item.Origin == origin {
			out.Items = append(out.Items, item)
		}
	}
	return out
}

// Sort orders items by grapheme length. Supported modes are "ascending",
// "descending" and "random"; anything else is an error.
func (d *Dataset) Sort(mode string, seed int64) error {
	switch mode {
	case "ascending":
		sort.SliceStable(d.Items, func(i, j int) bool {
			return len(d.Items[i].Graphemes) < len(d.Items[j].Graphemes)
		})
	case "descending":
		sort.SliceStable(d.Items, func(i, j int) bool {
			return len(d.Items[i].Graphemes) > len(d.Items[j].Graphemes)
		})
	case "random":
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(d.Items), func(i, j int) {
			d.Items[i], d.Items[j] = d.Items[j], d.Items[i]
		})
	default:
		return errors.Errorf("unsupported sorting mode %q", mode)
	}
	return nil
}

// Subsample keeps a fixed count of items, optionally shuffling first so
// the kept subset is random rather than positional. A non-positive count
// or one covering the whole dataset keeps everything.
func (d *Dataset) Subsample(count int, shuffle bool, seed int64) *Dataset {
	items := append([]Item(nil), d.Items...)
	if count <= 0 || count >= len(items) {
		return &Dataset{Items: items}
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}
	return &Dataset{Items: items[:count]}
}

// RebalanceByWord resamples the dataset with replacement so that every
// homograph word is drawn with equal probability. Items without a word
// annotation are left out.
func (d *Dataset) RebalanceByWord(seed int64) *Dataset {
	byWord := map[string][]Item{}
	var words []string
	for _, item := range d.Items {
		if item.Word == "" {
			continue
		}
		if _, ok := byWord[item.Word]; !ok {
			words = append(words, item.Word)
		}
		byWord[item.Word] = append(byWord[item.Word], item)
	}
	if len(words) == 0 {
		return &Dataset{Items: append([]Item(nil), d.Items...)}
	}
	total := 0
	for _, items := range byWord {
		total += len(items)
	}
	rng := rand.New(rand.NewSource(seed))
	out := &Dataset{Items: make([]Item, 0, total)}
	for i := 0; i < total; i++ {
		word := words[rng.Intn(len(words))]
		pool := byWord[word]
		out.Items = append(out.Items, pool[rng.Intn(len(pool))])
	}
	return out
}

// Len returns the item count.
func (d *Dataset) Len() int { return len(d.Items) }

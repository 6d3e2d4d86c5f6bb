// Package convert maps (source, target) extension pairs to the operation that
// performs the conversion. The table is built once and never modified.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dhcgn/mbox-to-eml/archive"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/runner"
)

const (
	ExtMbox = "mbox"
	ExtEML  = "eml"
	ExtZip  = "zip"
)

// JoinedName is the file name of a container produced by a join.
const JoinedName = "joined.mbox"

var ErrUnsupportedConversion = errors.New("unsupported conversion")

// Pair identifies a conversion by source and target extension, without dot.
type Pair struct {
	From string
	To   string
}

func (p Pair) String() string {
	return p.From + "→" + p.To
}

// Handler converts a batch of input files into output files.
type Handler func(ctx context.Context, r *runner.Runner, inputs []model.File) ([]model.File, error)

var table = map[Pair]Handler{
	{ExtMbox, ExtEML}:  splitContainers,
	{ExtEML, ExtMbox}:  joinMessages,
	{ExtZip, ExtMbox}:  joinArchives,
	{ExtMbox, ExtMbox}: mergeContainers,
}

var labels = map[string]string{
	ExtMbox: "Mailbox (.mbox)",
	ExtEML:  "Email message (.eml)",
	ExtZip:  "Zip archive of .eml (.zip)",
}

// Lookup returns the handler registered for from→to. Extensions are matched
// case-insensitively and may carry a leading dot.
func Lookup(from, to string) (Handler, error) {
	p := Pair{From: Normalize(from), To: Normalize(to)}
	h, ok := table[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrUnsupportedConversion)
	}
	return h, nil
}

// Pairs lists the supported conversions in a stable order.
func Pairs() []Pair {
	pairs := make([]Pair, 0, len(table))
	for p := range table {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].From != pairs[j].From {
			return pairs[i].From < pairs[j].From
		}
		return pairs[i].To < pairs[j].To
	})
	return pairs
}

// Label returns a human readable name for an extension.
func Label(ext string) string {
	if l, ok := labels[Normalize(ext)]; ok {
		return l
	}
	return Normalize(ext)
}

// Normalize lower-cases an extension and drops a leading dot.
func Normalize(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Ext returns the normalized extension of a file name.
func Ext(name string) string {
	return Normalize(path.Ext(strings.ReplaceAll(name, `\`, "/")))
}

func splitContainers(ctx context.Context, r *runner.Runner, inputs []model.File) ([]model.File, error) {
	return r.SplitAll(ctx, inputs)
}

func joinMessages(ctx context.Context, r *runner.Runner, inputs []model.File) ([]model.File, error) {
	if len(inputs) == 0 {
		return nil, runner.ErrNoInputs
	}
	data, err := r.Join(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return []model.File{{Name: JoinedName, Data: data}}, nil
}

// joinArchives unpacks every archive and joins the .eml entries it holds, in
// archive order.
func joinArchives(ctx context.Context, r *runner.Runner, inputs []model.File) ([]model.File, error) {
	var messages []model.File
	for _, in := range inputs {
		entries, err := archive.Read(in.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.Name, err)
		}
		for _, e := range entries {
			if archive.IsMessage(e.Name) {
				messages = append(messages, e)
			}
		}
	}
	return joinMessages(ctx, r, messages)
}

// mergeContainers splits several containers and joins all their messages
// into one.
func mergeContainers(ctx context.Context, r *runner.Runner, inputs []model.File) ([]model.File, error) {
	messages, err := r.SplitAll(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return joinMessages(ctx, r, messages)
}

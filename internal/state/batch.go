package state

import (
	"context"

	"github.com/jailkeeper/jailkeeper/internal/props"
)

// Declaration is one jail of a declarative state document.
type Declaration struct {
	Name       string
	Properties *props.Map
	Options    ManagedOptions
}

// Run evaluates a whole document: one Property per defaults entry, in order,
// then one Managed per jail. Evaluation continues past failures.
func (r *Runner) Run(ctx context.Context, defaults *props.Map, jails []Declaration) []Result {
	results := make([]Result, 0, defaults.Len()+len(jails))
	for _, key := range defaults.Keys() {
		if err := ctx.Err(); err != nil {
			return results
		}
		results = append(results, r.Property(ctx, key, defaults.Value(key), ""))
	}
	for _, d := range jails {
		if err := ctx.Err(); err != nil {
			return results
		}
		results = append(results, r.Managed(ctx, d.Name, d.Properties, d.Options))
	}
	return results
}

// Failed counts results with a false outcome.
func Failed(results []Result) int {
	n := 0
	for _, res := range results {
		if !res.OK() {
			n++
		}
	}
	return n
}

package retype

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"efiretype/internal/callsite"
	"efiretype/internal/diag"
	"efiretype/internal/discovery"
	"efiretype/internal/services"
)

var ErrHostIncomplete = errors.New("retype: host needs a decompiler, a type writer and a directory")

// Driver runs the visitor over every function that owns a discovery record.
type Driver struct {
	Tables      []*services.Table
	Host        *Host
	MaxPtrDepth int
	Diags       *diag.Diags
}

// Summary aggregates one run.
type Summary struct {
	Records    int               `json:"records"`
	Functions  int               `json:"functions"`
	Decompiled int               `json:"decompiled"`
	Retyped    int               `json:"retyped"`
	Diags      map[diag.Kind]int `json:"diags"`
	Results    []Result          `json:"-"`
}

// Run processes functions one at a time.
func (d *Driver) Run(ctx context.Context, recs []discovery.Record) (*Summary, error) {
	return d.RunParallel(ctx, recs, 1)
}

// RunParallel processes up to jobs functions concurrently. Each worker
// decompiles and walks its own function; tables and records are shared
// read-only. Only context cancellation aborts the run.
func (d *Driver) RunParallel(ctx context.Context, recs []discovery.Record, jobs int) (*Summary, error) {
	if d.Host == nil || d.Host.Decompiler == nil || d.Host.Writer == nil || d.Host.Directory == nil {
		return nil, ErrHostIncomplete
	}
	if d.Diags == nil {
		d.Diags = &diag.Diags{}
	}
	if jobs < 1 {
		jobs = 1
	}

	known := d.filterKnown(recs)
	groups, unowned := discovery.GroupByOwner(known, d.Host.Owner)
	for _, r := range unowned {
		d.Diags.Addf(0, uint64(r.CallSite), diag.NoFunction, "%s: call site is outside every known function", r.Service)
	}

	log.WithFields(log.Fields{
		"records":   len(recs),
		"functions": len(groups),
		"jobs":      jobs,
	}).Info("retyping")

	results := make([][]Result, len(groups))
	decompiled := make([]bool, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, grp := range groups {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i], decompiled[i] = d.processFunc(grp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := &Summary{Records: len(recs), Functions: len(groups)}
	for i := range groups {
		if decompiled[i] {
			sum.Decompiled++
		}
		sum.Results = append(sum.Results, results[i]...)
	}
	sort.SliceStable(sum.Results, func(i, j int) bool {
		a, b := sum.Results[i], sum.Results[j]
		if a.Func != b.Func {
			return a.Func < b.Func
		}
		return a.Call < b.Call
	})
	sum.Retyped = len(sum.Results)
	sum.Diags = d.Diags.Count()
	return sum, nil
}

// filterKnown drops records whose service no table registers.
func (d *Driver) filterKnown(recs []discovery.Record) []discovery.Record {
	out := make([]discovery.Record, 0, len(recs))
	for _, r := range recs {
		if len(d.offsetsFor(r.Service)) == 0 {
			d.Diags.Addf(uint64(r.Owner), uint64(r.CallSite), diag.UnknownService, "%q is not a registered table member", r.Service)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (d *Driver) offsetsFor(service string) []uint64 {
	var offs []uint64
	for _, t := range d.Tables {
		for _, f := range t.FuncsNamed(service) {
			offs = append(offs, f.Offset)
		}
	}
	return offs
}

// processFunc decompiles one function and runs a pass per table over it.
func (d *Driver) processFunc(grp discovery.Group) ([]Result, bool) {
	fn, err := d.Host.Decompiler.Decompile(grp.Func)
	if err != nil {
		d.Diags.Addf(grp.Func, 0, diag.DecompilationFailed, "%v (%d records skipped)", err, len(grp.Records))
		return nil, false
	}
	d.checkDispatch(grp)

	var results []Result
	done := make(map[uint64]bool)
	for _, t := range d.Tables {
		v := NewVisitor(Context{
			Table:       t,
			Func:        grp.Func,
			Records:     grp.Records,
			MaxPtrDepth: d.MaxPtrDepth,
			Done:        done,
		}, d.Host, d.Diags)
		results = append(results, v.Apply(fn)...)
		for site := range v.Sites() {
			done[site] = true
		}
	}

	reported := make(map[uint64]bool)
	for _, r := range grp.Records {
		site := uint64(r.CallSite)
		if done[site] || reported[site] {
			continue
		}
		reported[site] = true
		d.Diags.Addf(grp.Func, site, diag.UnresolvedTarget, "%s: no matching call in %s", r.Service, fn.Name)
	}
	return results, true
}

// checkDispatch decodes each record's call instruction and reports slots
// that disagree with the record's service.
func (d *Driver) checkDispatch(grp discovery.Group) {
	if d.Host.Code == nil {
		return
	}
	for _, r := range grp.Records {
		code, err := d.Host.Code.ReadBytesAtVA(uint64(r.CallSite), callsite.MaxInstLen)
		if err != nil {
			log.WithError(err).WithField("call", r.CallSite.String()).Debug("call site not readable")
			continue
		}
		site, err := callsite.Decode(code, uint64(r.CallSite))
		if err != nil {
			d.Diags.Addf(grp.Func, uint64(r.CallSite), diag.DispatchMismatch, "%s: %v", r.Service, err)
			continue
		}
		if !site.Dispatches(d.offsetsFor(r.Service)) {
			d.Diags.Add(grp.Func, uint64(r.CallSite), diag.DispatchMismatch,
				fmt.Sprintf("%s: %s dispatches slot 0x%x", r.Service, site.Text, site.Disp))
		}
	}
}

// Package verify implements an offline consistency check across the
// testable properties of spec §8: block-size uniformity, gap-chain
// duality, null-bit/body agreement, reference-counter correctness, and VL
// byte accounting. It never writes anything; every table is scanned
// read-only inside a single database read zone.
package verify

import (
	"fmt"

	"github.com/acdp-go/acdpcore/acdpdb"
	"github.com/acdp-go/acdpcore/coltype"
)

// Issue is one violation found during a pass, naming the spec §8 property
// it breaks.
type Issue struct {
	Table    string
	Row      int64
	Property string
	Detail   string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s#%d: %s: %s", i.Table, i.Row, i.Property, i.Detail)
}

// Report accumulates every issue found across a Run rather than stopping at
// the first one, so a single bad row doesn't hide other problems in the
// same pass.
type Report struct {
	RowsChecked int64
	Issues      []Issue
}

func (r *Report) OK() bool { return len(r.Issues) == 0 }

func (r *Report) add(table string, row int64, property, detail string) {
	r.Issues = append(r.Issues, Issue{Table: table, Row: row, Property: property, Detail: detail})
}

// Run checks every open table of db against spec §8 properties 1 (block
// size), 2 (gap duality), 3 (null encoding), 4 (reference-counter
// correctness), and 5 (VL accounting).
func Run(db *acdpdb.Database) (*Report, error) {
	report := &Report{}
	err := db.ReadZone(func(db *acdpdb.Database) error {
		names := db.Tables()

		// Property 4 needs a database-wide tally: every RT/A[RT] column of
		// every table contributes to some target table's expected count, so
		// the tally pass must finish across all tables before any table's
		// stored counter can be judged.
		observed := make(map[string]map[int64]int64, len(names))
		for _, name := range names {
			observed[name] = make(map[int64]int64)
		}

		for _, name := range names {
			t := db.Table(name)
			if err := checkBlockSizeAndGaps(name, t, report); err != nil {
				return err
			}
			if err := checkRowsAndTally(name, t, report, observed); err != nil {
				return err
			}
			if err := checkVLAccounting(name, t, report); err != nil {
				return err
			}
		}
		for _, name := range names {
			t := db.Table(name)
			checkRefCounts(name, t, observed[name], report)
		}
		return nil
	})
	return report, err
}

func checkBlockSizeAndGaps(name string, t *acdpdb.Table, report *Report) error {
	fl := t.Store.FL
	if fl.BlockSize() < 8 {
		report.add(name, -1, "block-size-uniformity", fmt.Sprintf("block size %d below minimum 8", fl.BlockSize()))
	}

	chainGaps, err := fl.Gaps()
	if err != nil {
		return err
	}
	chainSet := make(map[int64]bool, len(chainGaps))
	for _, g := range chainGaps {
		chainSet[g] = true
	}
	scanned := make(map[int64]bool)
	for i := int64(0); i < fl.BlockCount(); i++ {
		isGap, err := fl.IsGap(i)
		if err != nil {
			return err
		}
		if isGap {
			scanned[i] = true
		}
	}
	if len(scanned) != len(chainSet) {
		report.add(name, -1, "gap-duality", fmt.Sprintf("chain has %d gaps, scan found %d", len(chainSet), len(scanned)))
	}
	for g := range chainSet {
		if !scanned[g] {
			report.add(name, g+1, "gap-duality", "chained gap index not tagged as a gap by scan")
		}
	}
	for g := range scanned {
		if !chainSet[g] {
			report.add(name, g+1, "gap-duality", "tagged gap block not present in the chain")
		}
	}
	return nil
}

// checkRowsAndTally walks every live row of t once: it re-asserts the
// codec's own null-bit contract (property 3) and, for every RT/A[RT]
// column, tallies a reference into observed so property 4 can be checked
// once every table's tally is complete.
func checkRowsAndTally(name string, t *acdpdb.Table, report *Report, observed map[string]map[int64]int64) error {
	s := t.Store
	buf := make([]byte, s.Shape.Total)
	for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
		isGap, err := s.FL.IsGap(idx)
		if err != nil {
			return err
		}
		if isGap {
			continue
		}
		if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(idx)); err != nil {
			return err
		}
		row := idx + 1
		report.RowsChecked++

		for _, l := range s.Shape.Columns {
			region := buf[l.Offset : l.Offset+l.FLLen]
			v, err := s.Codec.DecodeColumn(l, buf, s.Shape.Bitmap, region)
			if err != nil {
				return err
			}
			if l.NullBitIndex >= 0 {
				bitSet := s.Shape.Bitmap.NullBit(buf, l.NullBitIndex)
				if bitSet != (v == nil) {
					report.add(name, row, "null-encoding", fmt.Sprintf("column %q: bit=%v decoded-nil=%v", l.Col.Name, bitSet, v == nil))
				}
			}
			tallyColumn(l.Col, v, observed)
		}
	}
	return nil
}

func tallyColumn(c coltype.Column, v interface{}, observed map[string]map[int64]int64) {
	switch c.Kind {
	case coltype.KindReference:
		if r, ok := v.(int64); ok && r != 0 {
			if m, ok := observed[c.RefTable]; ok {
				m[r]++
			}
		}
	case coltype.KindArrayReference:
		elems, _ := v.([]interface{})
		for _, e := range elems {
			if r, ok := e.(int64); ok && r != 0 {
				if m, ok := observed[c.RefTable]; ok {
					m[r]++
				}
			}
		}
	}
}

func checkRefCounts(name string, t *acdpdb.Table, observed map[int64]int64, report *Report) {
	if t.Store.RefTable == nil {
		if len(observed) > 0 {
			report.add(name, -1, "reference-counter-correctness", "table is referenced but carries no reference counter")
		}
		return
	}
	for idx := int64(0); idx < t.Store.FL.BlockCount(); idx++ {
		isGap, err := t.Store.FL.IsGap(idx)
		if err != nil || isGap {
			continue
		}
		row := idx + 1
		stored, err := t.Store.RefTable.Get(row)
		if err != nil {
			report.add(name, row, "reference-counter-correctness", err.Error())
			continue
		}
		if stored != observed[row] {
			report.add(name, row, "reference-counter-correctness", fmt.Sprintf("stored=%d observed=%d", stored, observed[row]))
		}
	}
}

func checkVLAccounting(name string, t *acdpdb.Table, report *Report) error {
	if t.Store.VL == nil {
		return nil
	}
	live, err := t.Store.VL.Live()
	if err != nil {
		return err
	}
	var sum int64
	s := t.Store
	buf := make([]byte, s.Shape.Total)
	for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
		isGap, err := s.FL.IsGap(idx)
		if err != nil {
			return err
		}
		if isGap {
			continue
		}
		if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(idx)); err != nil {
			return err
		}
		for _, l := range s.Shape.Columns {
			if !l.Col.HasOutrowPayload() {
				continue
			}
			region := buf[l.Offset : l.Offset+l.FLLen]
			length := getUintWidth(region[:l.LengthLen], l.LengthLen)
			sum += length
		}
	}
	if sum != live {
		report.add(name, -1, "vl-accounting", fmt.Sprintf("live outrow bytes=%d, vl.Live()=%d", sum, live))
	}
	return nil
}

func getUintWidth(b []byte, width int) int64 {
	var v int64
	for i := 0; i < width; i++ {
		v = (v << 8) | int64(b[i]&0xff)
	}
	return v
}

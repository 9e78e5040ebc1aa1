package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Report summarizes one verified chain.
type Report struct {
	Table    string
	Head     Head
	Linked   int // events reachable from the head
	Orphaned int // saved events the chain never advanced to
}

// Verify walks the chain of table back from its head, recomputing every
// hash and checking that seq counts down to 1. Events that were saved but
// never accepted by the endpoint are counted as orphaned, not as damage.
func Verify(dir, table string) (*Report, error) {
	heads, err := OpenHeads(dir)
	if err != nil {
		return nil, err
	}
	head, ok, err := heads.Get(table)
	if err != nil {
		return nil, err
	}
	rep := &Report{Table: table, Head: head}
	if !ok {
		return rep, nil
	}

	events, err := readEvents(dir, table)
	if err != nil {
		return nil, err
	}
	byHash := make(map[string]*Event, len(events))
	for _, evt := range events {
		sum, err := evt.Hash()
		if err != nil {
			return nil, err
		}
		if sum != evt.Chain.EventHash {
			return nil, fmt.Errorf("event %s: hash mismatch: stored %s, computed %s", evt.EventID, evt.Chain.EventHash, sum)
		}
		byHash[sum] = evt
	}

	seq := head.Seq
	for hash := head.Hash; hash != ""; seq-- {
		evt, ok := byHash[hash]
		if !ok {
			return nil, fmt.Errorf("chain %s broken: event %s at seq %d missing", table, hash, seq)
		}
		if evt.Chain.Seq != seq {
			return nil, fmt.Errorf("chain %s broken: event %s has seq %d, expected %d", table, evt.EventID, evt.Chain.Seq, seq)
		}
		rep.Linked++
		hash = evt.Chain.PrevEventHash
	}
	if seq != 0 {
		return nil, fmt.Errorf("chain %s broken: starts at seq %d", table, seq+1)
	}
	rep.Orphaned = len(events) - rep.Linked
	return rep, nil
}

func readEvents(dir, table string) ([]*Event, error) {
	paths, err := filepath.Glob(filepath.Join(dir, eventsDir, "*.json"))
	if err != nil {
		return nil, err
	}
	var events []*Event
	for _, path := range paths {
		// prefix match is only a filter; table names may contain '_'
		if !strings.HasPrefix(filepath.Base(path), table+"_") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if evt.Commit.Table == table {
			events = append(events, &evt)
		}
	}
	return events, nil
}

package gdb

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	threadLinePattern = regexp.MustCompile(`^[\s\*]*(\d+)\s*(Remote target|Thread (\d+)\s*\(Name: ([^\)]+)\))\s*(.*)`)
	hartLabelPattern  = regexp.MustCompile(`Hart (\d+)`)
)

// Thread is one row of "info threads".
type Thread struct {
	// ID is the gdb thread number used with the "thread" command.
	ID string
	// TargetID is the remote thread id, empty for "Remote target".
	TargetID string
	Name     string
	Frame    string
}

// HartLabel returns N when the thread is named "Hart N".
func (t Thread) HartLabel() (int, bool) {
	match := hartLabelPattern.FindStringSubmatch(t.Name)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParseThreads extracts threads from "info threads" output.
func ParseThreads(output string) []Thread {
	var threads []Thread
	for _, line := range strings.Split(output, "\n") {
		match := threadLinePattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if match == nil {
			continue
		}
		threads = append(threads, Thread{
			ID:       match[1],
			TargetID: match[3],
			Name:     strings.TrimSpace(match[4]),
			Frame:    strings.TrimSpace(match[5]),
		})
	}
	return threads
}

// AssignHartIDs returns one hart id per thread, in input order. Threads named
// "Hart N" get N; the rest get the smallest non-negative id no other thread
// holds, in input order. Two threads claiming the same label is an error.
func AssignHartIDs(threads []Thread) ([]int, error) {
	ids := make([]int, len(threads))
	claimed := make(map[int]int, len(threads))
	labelled := make([]bool, len(threads))

	for i, thread := range threads {
		id, ok := thread.HartLabel()
		if !ok {
			continue
		}
		if prev, dup := claimed[id]; dup {
			return nil, fmt.Errorf("threads %s and %s both claim hart %d", threads[prev].ID, thread.ID, id)
		}
		claimed[id] = i
		ids[i] = id
		labelled[i] = true
	}

	next := 0
	for i := range threads {
		if labelled[i] {
			continue
		}
		for {
			if _, taken := claimed[next]; !taken {
				break
			}
			next++
		}
		claimed[next] = i
		ids[i] = next
	}
	return ids, nil
}

type discoveredThread struct {
	conn   int
	thread Thread
}

func threadsOf(discovered []discoveredThread) []Thread {
	threads := make([]Thread, len(discovered))
	for i, d := range discovered {
		threads[i] = d.thread
	}
	return threads
}

// Threads lists the threads known to the active session.
func (p *Pool) Threads() ([]Thread, error) {
	output, err := p.Command("info threads")
	if err != nil {
		return nil, err
	}
	threads := ParseThreads(output)
	if len(threads) == 0 {
		return nil, errors.New("info threads reported no threads:\n" + output)
	}
	return threads, nil
}

// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"encoding/json"
	"testing"

	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/audittools"
)

// CADFReasonOK is a helper to make cadf.Event literals shorter.
var CADFReasonOK = cadf.Reason{
	ReasonType: "HTTP",
	ReasonCode: "200",
}

// ToJSON is a more compact equivalent of json.Marshal() that panics on error
// instead of returning it, and which returns string instead of []byte.
func ToJSON(x any) string {
	result, err := json.Marshal(x)
	if err != nil {
		panic(err.Error())
	}
	return string(result)
}

// Auditor is a test recorder that satisfies the strawhub.Auditor interface.
type Auditor struct {
	events []cadf.Event
}

// Record implements the strawhub.Auditor interface.
func (a *Auditor) Record(params audittools.EventParameters) {
	a.events = append(a.events, a.normalize(audittools.NewEvent(params)))
}

// ExpectEvents checks that the recorded events are equivalent to the supplied expectation.
func (a *Auditor) ExpectEvents(t *testing.T, expectedEvents ...cadf.Event) {
	t.Helper()
	if len(expectedEvents) == 0 {
		expectedEvents = nil
	} else {
		for idx, event := range expectedEvents {
			expectedEvents[idx] = a.normalize(event)
		}
	}
	assert.DeepEqual(t, "CADF events", a.events, expectedEvents)

	// reset state for next test
	a.events = nil
}

// IgnoreEventsUntilNow clears the list of recorded events, so that the next
// ExpectEvents() will only cover events generated after this point.
func (a *Auditor) IgnoreEventsUntilNow() {
	a.events = nil
}

func (a *Auditor) normalize(event cadf.Event) cadf.Event {
	// overwrite some attributes where we don't care about variance
	event.TypeURI = "http://schemas.dmtf.org/cloud/audit/1.0/event"
	event.ID = "00000000-0000-0000-0000-000000000000"
	event.EventTime = "2006-01-02T15:04:05.999999+00:00"
	event.EventType = "activity"
	if event.Initiator.TypeURI != "service/skill-registry/janitor-task" {
		// for janitor tasks, we *are* interested in the initiator because it
		// identifies which task generated the event
		event.Initiator = cadf.Resource{}
	}
	event.Observer = cadf.Resource{}
	return event
}

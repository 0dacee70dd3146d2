package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// mustTime returns a fixed reference instant for deterministic tests.
func mustTime(t *testing.T) time.Time {
	t.Helper()
	ref, err := time.Parse(time.RFC3339, "2026-03-02T08:15:00Z")
	if err != nil {
		t.Fatalf("parsing reference time: %v", err)
	}
	return ref
}

func TestLogRecordsRoundTrip(t *testing.T) {
	ref := mustTime(t)

	records := []LogRecord{
		{Seq: 101, LocalUID: 42, Time: ref, Kind: PunchCheckIn},
		{Seq: 102, LocalUID: 42, Time: ref.Add(4 * time.Hour), Kind: PunchCheckOut},
		{Seq: 103, LocalUID: 77, Time: ref.Add(time.Minute), Kind: EventKind(0x09)},
	}

	payload := EncodeLogRecords(records)
	if len(payload) != len(records)*logRecordSize {
		t.Fatalf("payload length = %d, want %d", len(payload), len(records)*logRecordSize)
	}

	got, err := ParseLogRecords(payload)
	if err != nil {
		t.Fatalf("ParseLogRecords() error = %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("parsed %d records, want %d", len(got), len(records))
	}
	for i, rec := range records {
		if got[i].Seq != rec.Seq {
			t.Errorf("record %d seq = %d, want %d", i, got[i].Seq, rec.Seq)
		}
		if got[i].LocalUID != rec.LocalUID {
			t.Errorf("record %d localUID = %d, want %d", i, got[i].LocalUID, rec.LocalUID)
		}
		if !got[i].Time.Equal(rec.Time) {
			t.Errorf("record %d time = %v, want %v", i, got[i].Time, rec.Time)
		}
		if got[i].Kind != rec.Kind {
			t.Errorf("record %d kind = %d, want %d", i, got[i].Kind, rec.Kind)
		}
	}
}

func TestParseLogRecordsEmpty(t *testing.T) {
	got, err := ParseLogRecords(nil)
	if err != nil {
		t.Fatalf("ParseLogRecords(nil) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("parsed %d records from empty payload, want 0", len(got))
	}
}

func TestParseLogRecordsRagged(t *testing.T) {
	payload := EncodeLogRecords([]LogRecord{{Seq: 1}})
	_, err := ParseLogRecords(payload[:logRecordSize-3])
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ParseLogRecords() error = %v, want ErrMalformedFrame", err)
	}
}

func TestEnrollEventRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   EnrollEvent
	}{
		{name: "success with template", ev: EnrollEvent{Status: EnrollSuccess, Template: bytes.Repeat([]byte{0x5A}, 498)}},
		{name: "poor quality no template", ev: EnrollEvent{Status: EnrollPoorQuality}},
		{name: "duplicate finger", ev: EnrollEvent{Status: EnrollDuplicate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEnrollEvent(EncodeEnrollEvent(tt.ev))
			if err != nil {
				t.Fatalf("ParseEnrollEvent() error = %v", err)
			}
			if got.Status != tt.ev.Status {
				t.Errorf("status = %v, want %v", got.Status, tt.ev.Status)
			}
			if !bytes.Equal(got.Template, tt.ev.Template) {
				t.Errorf("template mismatch: got %d bytes, want %d", len(got.Template), len(tt.ev.Template))
			}
		})
	}
}

func TestParseEnrollEventEmpty(t *testing.T) {
	if _, err := ParseEnrollEvent(nil); !errors.Is(err, ErrShortPayload) {
		t.Errorf("ParseEnrollEvent(nil) error = %v, want ErrShortPayload", err)
	}
}

func TestStartEnrollRoundTrip(t *testing.T) {
	localUID, finger, err := ParseStartEnroll(EncodeStartEnroll(90210, 4))
	if err != nil {
		t.Fatalf("ParseStartEnroll() error = %v", err)
	}
	if localUID != 90210 || finger != 4 {
		t.Errorf("ParseStartEnroll() = (%d, %d), want (90210, 4)", localUID, finger)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	ref := mustTime(t)
	got, err := ParseTime(EncodeTime(ref))
	if err != nil {
		t.Fatalf("ParseTime() error = %v", err)
	}
	if !got.Equal(ref) {
		t.Errorf("ParseTime() = %v, want %v", got, ref)
	}
}

func TestParseReject(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    RejectCode
	}{
		{name: "explicit busy", payload: EncodeReject(RejectBusy), want: RejectBusy},
		{name: "storage full", payload: EncodeReject(RejectStorageFull), want: RejectStorageFull},
		{name: "firmware sends nothing", payload: nil, want: RejectGeneric},
		{name: "single stray byte", payload: []byte{0x02}, want: RejectGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseReject(tt.payload); got != tt.want {
				t.Errorf("ParseReject() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeClassification(t *testing.T) {
	if !EventAttLog.IsEvent() || !EventEnrollFinger.IsEvent() {
		t.Error("event markers not classified as events")
	}
	if CmdGetTime.IsEvent() {
		t.Error("GET_TIME classified as event")
	}
	if !AckOK.IsReply() || !AckError.IsReply() {
		t.Error("ack codes not classified as replies")
	}
	if CmdConnect.IsReply() {
		t.Error("CONNECT classified as reply")
	}
}

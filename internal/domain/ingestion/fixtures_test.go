package ingestion

import (
	"strings"
	"testing"
	"time"
)

func hl7(segments ...string) []byte {
	return []byte(strings.Join(segments, "\r") + "\r")
}

func msh(msgType, controlID string) string {
	return "MSH|^~\\&|EPIC|HOSP|HL7INGEST|HOSP|20240105083000||" + msgType + "|" + controlID + "|P|2.5.1"
}

func admitPayload(controlID, patientID, visit string) []byte {
	return hl7(
		msh("ADT^A01", controlID),
		"EVN|A01|20240105083000",
		"PID|1||"+patientID+"^^^HOSP^MR||Doe^Jane^Q||19800214|F|||12 Main St^^Springfield^IL^62701^USA^H||555-0100",
		"PV1|1|I|4W^401^A||||1234^Smith^John||||||||||||"+visit+"|||||||||||||||||||||||||20240105080000",
	)
}

func resultPayload(controlID, patientID string, obx ...string) []byte {
	segs := []string{
		msh("ORU^R01", controlID),
		"PID|1||" + patientID + "^^^HOSP^MR||Doe^Jane",
		"OBR|1|ORD1|FIL1|24331-1^Lipid panel^LN|||20240105070000",
	}
	segs = append(segs, obx...)
	return hl7(segs...)
}

func schedulePayload(controlID, trigger, patientID, placer string) []byte {
	return hl7(
		msh("SIU^"+trigger, controlID),
		"SCH|"+placer+"|F"+placer+"||||ROUTINE|CHK^Checkup|FOLLOW^Follow-up|30|MIN|^^30^20240110090000^20240110093000||||||||||||||Booked",
		"PID|1||"+patientID+"^^^HOSP^MR||Doe^Jane",
		"AIL|1||CLINIC-A",
		"AIP|1||777^House^Greg",
	)
}

func raw(source string, payload []byte) RawMessage {
	return RawMessage{SourceSystem: source, Payload: payload, ReceivedAt: time.Date(2024, 1, 5, 8, 30, 0, 0, time.UTC)}
}

func mustDecode(t *testing.T, r RawMessage) *DecodedMessage {
	t.Helper()
	dm, err := Decode(r)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return dm
}

package dispatch

import "testing"

func TestRequestRoundtrip(t *testing.T) {
	req := RegistrationRequest{PID: 12345, Bits: 32, Revision: 7, Name: "l2.exe"}
	decoded, err := DecodeRequest(EncodeRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != req {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", decoded, req)
	}
}

func TestResponseRoundtrip(t *testing.T) {
	resp := RegistrationResponse{Status: StatusOK, ClientID: 42, ChannelName: "NxT_a7f3b2c1"}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != resp {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", decoded, resp)
	}
}

func TestRequestTooShort(t *testing.T) {
	if _, err := DecodeRequest(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized request")
	}
}

func TestResponseBadMagic(t *testing.T) {
	data := EncodeResponse(RegistrationResponse{Status: 0, ClientID: 1, ChannelName: "x"})
	data[0] = 0xFF
	if _, err := DecodeResponse(data); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestRequestNameTruncation(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	req := RegistrationRequest{PID: 1, Bits: 64, Revision: 1, Name: string(long)}
	decoded, err := DecodeRequest(EncodeRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Name) != maxNameLen {
		t.Fatalf("expected name truncated to %d bytes, got %d", maxNameLen, len(decoded.Name))
	}
}

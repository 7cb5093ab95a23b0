package codec

import (
	"encoding/json"
	"testing"
)

type frame struct {
	Target string          `json:"target"`
	Ctl    string          `json:"ctl,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func TestCodecs(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeCBOR} {
		c := GetCodec(ct)
		if c.Type() != ct {
			t.Fatalf("GetCodec(%s) returned %s", ct, c.Type())
		}

		original := frame{Target: "portrpc-server", Data: json.RawMessage(`{"name":"rpc","data":{"id":1}}`)}
		data, err := c.Encode(original)
		if err != nil {
			t.Fatalf("%s Encode failed: %v", ct, err)
		}

		var decoded frame
		if err := c.Decode(data, &decoded); err != nil {
			t.Fatalf("%s Decode failed: %v", ct, err)
		}
		if decoded.Target != original.Target {
			t.Errorf("%s target mismatch: got %s, want %s", ct, decoded.Target, original.Target)
		}
		if string(decoded.Data) != string(original.Data) {
			t.Errorf("%s data mismatch: got %s, want %s", ct, decoded.Data, original.Data)
		}
		if decoded.Ctl != "" {
			t.Errorf("%s ctl should be empty, got %q", ct, decoded.Ctl)
		}
	}
}

func TestCBORIsSmaller(t *testing.T) {
	v := frame{Target: "portrpc-client", Ctl: "syn"}
	j, _ := GetCodec(CodecTypeJSON).Encode(v)
	c, _ := GetCodec(CodecTypeCBOR).Encode(v)
	if len(c) >= len(j) {
		t.Errorf("expected cbor (%d bytes) smaller than json (%d bytes)", len(c), len(j))
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, err := ParseCodecType("cbor"); err != nil || ct != CodecTypeCBOR {
		t.Fatalf("ParseCodecType(cbor) = %v, %v", ct, err)
	}
	if ct, err := ParseCodecType(""); err != nil || ct != CodecTypeJSON {
		t.Fatalf("ParseCodecType(\"\") = %v, %v", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestJSONKeepsHTMLUnescaped(t *testing.T) {
	data, err := GetCodec(CodecTypeJSON).Encode(map[string]string{"q": "a<b && c>d"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if want := `{"q":"a<b && c>d"}`; string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

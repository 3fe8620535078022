package placement

import "testing"

func TestDecode(t *testing.T) {
	p, err := Decode(true, "abc", "")
	if err != nil {
		t.Fatalf("Decode memory: %v", err)
	}
	if p != (InMemory{Handle: "abc"}) || !IsMemory(p) {
		t.Errorf("Decode memory = %#v", p)
	}

	p, err = Decode(false, "", "/tmp/blob-1")
	if err != nil {
		t.Fatalf("Decode disk: %v", err)
	}
	if p.Kind() != KindDisk || p.String() != "disk:/tmp/blob-1" {
		t.Errorf("Decode disk = %#v", p)
	}

	if _, err := Decode(false, "", ""); err == nil {
		t.Error("Decode with no location: expected error")
	}
}

package layout

import (
	"strings"
	"testing"
)

func Test_Fingerprint_Is_Deterministic_And_Sensitive_To_Input(t *testing.T) {
	t.Parallel()

	a := Fingerprint("key-a")
	b := Fingerprint("key-a")
	c := Fingerprint("key-b")

	if a != b {
		t.Errorf("Fingerprint(\"key-a\") not deterministic: %d != %d", a, b)
	}

	if a == c {
		t.Errorf("Fingerprint collided for distinct keys: %d", a)
	}
}

func Test_ShardDir_Uses_Low_16_Bits_Of_Fingerprint(t *testing.T) {
	t.Parallel()

	var fp uint64 = 0x1122_3344_5566_ABCD

	dir := ShardDir("/root", fp)

	if !strings.HasSuffix(dir, "ab/cd") {
		t.Errorf("ShardDir = %q, want suffix \"ab/cd\"", dir)
	}
}

func Test_BlobName_And_MetaName_Omit_Suffix_For_Zero_Disambiguator(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("k")

	if got, want := BlobName(fp, 0), HexFP(fp)+".bin"; got != want {
		t.Errorf("BlobName(fp, 0) = %q, want %q", got, want)
	}

	if got, want := MetaName(fp, 0), HexFP(fp)+".meta"; got != want {
		t.Errorf("MetaName(fp, 0) = %q, want %q", got, want)
	}
}

func Test_BlobName_And_MetaName_Append_Disambiguator_Suffix(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("k")

	if got, want := BlobName(fp, 3), HexFP(fp)+"-3.bin"; got != want {
		t.Errorf("BlobName(fp, 3) = %q, want %q", got, want)
	}

	if got, want := MetaName(fp, 3), HexFP(fp)+"-3.meta"; got != want {
		t.Errorf("MetaName(fp, 3) = %q, want %q", got, want)
	}
}

func Test_BlobPath_And_MetaPath_Join_ShardDir(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("k")

	blobPath := BlobPath("/root", fp, 0)
	shardDir := ShardDir("/root", fp)

	if !strings.HasPrefix(blobPath, shardDir) {
		t.Errorf("BlobPath = %q, want prefix %q", blobPath, shardDir)
	}

	metaPath := MetaPath("/root", fp, 0)
	if !strings.HasSuffix(metaPath, ".meta") {
		t.Errorf("MetaPath = %q, want suffix \".meta\"", metaPath)
	}
}

package matrix

import "testing"

func TestSasEmojis_KnownVector(t *testing.T) {
	sas := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}

	emojis := sasEmojis(sas)
	if len(emojis) != 7 {
		t.Fatalf("Expected 7 emojis, got %d", len(emojis))
	}

	want := []string{"Unicorn", "Santa", "Cactus", "Fire", "Smiley", "Rooster", "Book"}
	for i, description := range want {
		if emojis[i].Description != description {
			t.Errorf("Emoji %d: expected %q, got %q", i, description, emojis[i].Description)
		}
	}
}

func TestSasEmojis_Bounds(t *testing.T) {
	zero := sasEmojis([]byte{0, 0, 0, 0, 0, 0})
	for i, e := range zero {
		if e.Description != "Dog" {
			t.Errorf("Zero byte emoji %d: expected Dog, got %q", i, e.Description)
		}
	}

	max := sasEmojis([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	for i, e := range max {
		if e.Description != "Pin" {
			t.Errorf("Max byte emoji %d: expected Pin, got %q", i, e.Description)
		}
	}
}

func TestSasDecimals_KnownVector(t *testing.T) {
	d1, d2, d3 := sasDecimals([]byte{0x12, 0x34, 0x56, 0x78, 0x9a})
	if d1 != 1582 || d2 != 5441 || d3 != 8245 {
		t.Errorf("Expected (1582, 5441, 8245), got (%d, %d, %d)", d1, d2, d3)
	}
}

func TestSasDecimals_Range(t *testing.T) {
	lo1, lo2, lo3 := sasDecimals([]byte{0, 0, 0, 0, 0})
	if lo1 != 1000 || lo2 != 1000 || lo3 != 1000 {
		t.Errorf("Expected all-zero bytes to map to 1000, got (%d, %d, %d)", lo1, lo2, lo3)
	}

	hi1, hi2, hi3 := sasDecimals([]byte{0xff, 0xff, 0xff, 0xff, 0xff})
	if hi1 != 9191 || hi2 != 9191 || hi3 != 9191 {
		t.Errorf("Expected all-one bytes to map to 9191, got (%d, %d, %d)", hi1, hi2, hi3)
	}
}

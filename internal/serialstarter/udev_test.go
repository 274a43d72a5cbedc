package serialstarter

import "testing"

func TestUdevRule_Render(t *testing.T) {
	// The exact line documented for the stock adapter; consumers
	// depend on it byte for byte.
	want := `ACTION=="add", ENV{ID_BUS}=="usb", ATTRS{idVendor}=="067b", ATTRS{serial}=="ELARb11A920", ENV{VE_SERVICE}="vevor"`

	if got := DefaultUdevRule().Render(); got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}
}

func TestUdevRule_ParseRoundTrip(t *testing.T) {
	rule := DefaultUdevRule()

	parsed, err := ParseUdevRule(rule.Render())
	if err != nil {
		t.Fatalf("ParseUdevRule: %v", err)
	}
	if parsed != rule {
		t.Errorf("parsed = %+v, want %+v", parsed, rule)
	}
}

func TestUdevRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    UdevRule
		wantErr bool
	}{
		{"default", DefaultUdevRule(), false},
		{"uppercase vendor", UdevRule{VendorID: "067B", USBSerial: "X", Service: "vevor"}, true},
		{"short vendor", UdevRule{VendorID: "67b", USBSerial: "X", Service: "vevor"}, true},
		{"empty serial", UdevRule{VendorID: "067b", USBSerial: "", Service: "vevor"}, true},
		{"quoted serial", UdevRule{VendorID: "067b", USBSerial: `a"b`, Service: "vevor"}, true},
		{"empty service", UdevRule{VendorID: "067b", USBSerial: "X", Service: ""}, true},
		{"uppercase service", UdevRule{VendorID: "067b", USBSerial: "X", Service: "Vevor"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseUdevRule_NoService(t *testing.T) {
	if _, err := ParseUdevRule(`ACTION=="add", ATTRS{idVendor}=="067b"`); err == nil {
		t.Error("expected error for rule without VE_SERVICE")
	}
}

func TestFindRule(t *testing.T) {
	content := `# serial starter rules
ACTION=="add", ENV{ID_BUS}=="usb", ATTRS{idVendor}=="0403", ENV{VE_SERVICE}="vedirect"
ACTION=="add", ENV{ID_BUS}=="usb", ATTRS{idVendor}=="067b", ATTRS{serial}=="ELARb11A920", ENV{VE_SERVICE}="vevor"
`

	rule, ok := FindRule(content, "vevor")
	if !ok {
		t.Fatal("rule not found")
	}
	if rule.VendorID != "067b" || rule.USBSerial != "ELARb11A920" {
		t.Errorf("rule = %+v", rule)
	}

	if _, ok := FindRule(content, "gps"); ok {
		t.Error("found a rule for a service that has none")
	}
}

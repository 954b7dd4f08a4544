package config

// BuiltinRegistry is the registry that ships with the binary: the major
// cloud providers whose range feeds are stable public URLs. A config file
// or the on-wiki config page extends or overrides it; it exists so a bare
// deployment still produces a useful report.
func BuiltinRegistry() []Provider {
	return []Provider{
		{
			Name:       "Amazon Web Services",
			BlockName:  "webhostblock",
			FeedURL:    "https://ip-ranges.amazonaws.com/ip-ranges.json",
			Feed:       "amazon",
			Search:     []string{"amazon", "aws"},
			ExpiryHint: "1 year",
		},
		{
			Name:       "Google Cloud",
			BlockName:  "webhostblock",
			FeedURL:    "https://www.gstatic.com/ipranges/cloud.json",
			Feed:       "google",
			Search:     []string{"google"},
			ExpiryHint: "1 year",
		},
		{
			Name:       "Oracle Cloud",
			BlockName:  "webhostblock",
			FeedURL:    "https://docs.oracle.com/iaas/tools/public_ip_ranges.json",
			Feed:       "oracle",
			Search:     []string{"oracle"},
			ExpiryHint: "1 year",
		},
		{
			Name:       "iCloud Private Relay",
			BlockName:  "proxyblock",
			FeedURL:    "https://mask-api.icloud.com/egress-ip-ranges.csv",
			Feed:       "icloud",
			Search:     []string{"apple", "icloud"},
			ExpiryHint: "1 year",
			Sensitive:  true,
		},
	}
}

func (c *Config) seedBuiltinRegistry() {
	if c.Registries == nil {
		c.Registries = make(map[string][]Provider)
	}
	if _, ok := c.Registries["default"]; !ok {
		c.Registries["default"] = BuiltinRegistry()
	}
}

package ipreputation

// crawlerASNs lists the autonomous systems each well-known crawler operates
// from. Reverse-DNS verification would be stronger; ASN matching is what the
// resolved GeoContext can support without extra lookups in the request path.
var crawlerASNs = map[string][]uint32{
	"Googlebot":     {15169},
	"Bingbot":       {8075},
	"Applebot":      {714, 6185},
	"DuckDuckBot":   {16509, 14618},
	"YandexBot":     {13238},
	"Baiduspider":   {55967, 38365},
	"FacebookBot":   {32934},
	"Twitterbot":    {13414},
	"LinkedInBot":   {14413},
	"GPTBot":        {8075, 14618},
	"ClaudeBot":     {16509, 14618},
	"PerplexityBot": {16509},
}

func asnMatchesCrawler(botName string, asn uint32) bool {
	for _, known := range crawlerASNs[botName] {
		if known == asn {
			return true
		}
	}
	return false
}

package useragent

import "strings"

// knownCrawlers maps a user-agent substring to the crawler's canonical name.
// A claim here is not trust: the network tier checks the origin before a
// verified-good-bot verdict is issued.
var knownCrawlers = map[string]string{
	"googlebot":          "Googlebot",
	"bingbot":            "Bingbot",
	"applebot":           "Applebot",
	"duckduckbot":        "DuckDuckBot",
	"yandexbot":          "YandexBot",
	"baiduspider":        "Baiduspider",
	"slurp":              "Yahoo Slurp",
	"facebookexternalhit": "FacebookBot",
	"twitterbot":         "Twitterbot",
	"linkedinbot":        "LinkedInBot",
	"ahrefsbot":          "AhrefsBot",
	"semrushbot":         "SemrushBot",
	"gptbot":             "GPTBot",
	"claudebot":          "ClaudeBot",
	"perplexitybot":      "PerplexityBot",
}

// toolKeywords mark scripted HTTP clients that make no attempt to look like
// a browser.
var toolKeywords = []string{
	"curl/",
	"wget/",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"java/",
	"okhttp",
	"libwww-perl",
	"scrapy",
	"aiohttp",
	"httpclient",
	"phantomjs",
	"headlesschrome",
	"selenium",
	"playwright",
	"puppeteer",
}

func matchCrawler(lowerUA string) (string, bool) {
	for needle, name := range knownCrawlers {
		if strings.Contains(lowerUA, needle) {
			return name, true
		}
	}
	return "", false
}

func matchTool(lowerUA string) (string, bool) {
	for _, kw := range toolKeywords {
		if strings.Contains(lowerUA, kw) {
			return kw, true
		}
	}
	return "", false
}

// Package scraper collects business listings for one (town, industry) unit by
// driving a headless browser through a map search and parsing the rendered
// results.
package scraper

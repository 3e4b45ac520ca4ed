// Package api hosts the HTTP control surface for the crawler. Notable routes:
//   - GET /healthz and /readyz for probes; healthz pings the database.
//   - GET /metrics for Prometheus scraping.
//   - /api/scraper/{categories,status,start,stop} to drive the orchestrator.
package api

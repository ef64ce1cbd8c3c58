// Package spider defines the crawl data model and the user-facing
// contract: tasks, responses, the error taxonomy, extraction yields, and
// the ordered hook chains a spider registers against the engine.
package spider

// Command dcap runs the department crawl and analysis pipeline. `dcap serve`
// starts the worker pool and the operator API; `dcap crawl -f jobs.yaml`
// processes a fixed job list and exits once the queue drains.
package main

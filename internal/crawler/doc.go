// Package crawler holds the job, task and result types that flow between the
// queue controller, the workers and the result sinks.
//
// A Task on the request queue is either a Job or the termination sentinel. A
// ResultBatch on the result queue carries the artifact records produced by one
// job and the single file destination they are written to.
package crawler

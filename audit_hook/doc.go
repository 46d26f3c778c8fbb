// Package audithook is a fabric extension that records cluster and
// subscription lifecycle changes to an audit trail.
//
// Every hook emits a structured event through the [Recorder] interface
// with a severity (info for normal operations, warning for evictions and
// failed events, critical for failed requests) and metadata naming the
// node, subscription or request involved. Per-event success hooks are not
// audited.
//
// # Logging recorder
//
//	n, _ := node.New(cfg, broker, store,
//	    node.WithExtension(audithook.New(audithook.LogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionNodeEvicted,
//	        audithook.ActionMasterPromoted,
//	    ),
//	)
package audithook

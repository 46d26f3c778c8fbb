// Package relayhook publishes fabric lifecycle events to a broker queue so
// external consumers (dashboards, webhooks, alerting) can follow the
// cluster without polling the control plane.
//
// Usage:
//
//	hook := relayhook.New(broker,
//	    relayhook.WithQueue("fabric.events"),
//	    relayhook.WithSource(cfg.NodeName),
//	)
//	n, _ := node.New(cfg, broker, store, node.WithExtension(hook))
//
// To restrict which events are published:
//
//	hook := relayhook.New(broker,
//	    relayhook.WithEvents(
//	        relayhook.EventNodeEvicted,
//	        relayhook.EventMasterPromoted,
//	    ),
//	)
package relayhook

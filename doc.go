// Package opmon lets the components of a process register into a
// monitoring tree, publish typed measurements, and have them filtered by
// verbosity level and forwarded to a publishing facility.
//
// Design goals:
//   - Parents never own their children: a node leaves the tree when its
//     last Handle is released, and the stale link is pruned on Collect
//   - Publish and Collect never fail; problems end up in the counters
//     returned by Collect and in the logs
//   - Publish is lock-free with respect to the tree and to facility swaps
//   - Measurements of any shape are flattened into a generic Entry
//
// Basic usage:
//
//	config := opmon.DefaultConfig()
//	config.Session = "daq"
//	config.Application = "reader"
//	config.FacilityURI = "file:///var/log/opmon.jsonl"
//
//	mgr, err := opmon.NewManager(config)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer mgr.Stop()
//
//	queue := opmon.NewNode(opmon.GeneratorFunc(func(n *opmon.Node) error {
//	  n.Publish(opmon.Struct(QueueInfo{Depth: int32(q.Len())}), "", opmon.LevelDefault)
//	  return nil
//	}))
//	defer queue.Release()
//
//	if err := mgr.RegisterNode("queue", queue); err != nil {
//	  log.Fatal(err)
//	}
//	_ = mgr.Start()
package opmon

// Package distributed defines the following objects related to cross-device placement of models:
//
//   - DeviceMesh: expresses the topology of a set of devices, in terms of axis and their sizes.
//   - ShardingSpec: defines how a parameter is sharded across a DeviceMesh.
//   - ParallelStyle: how a sub-module is parallelized (column-wise, row-wise or sequence parallel),
//     with the Placement (layout) of its inputs and outputs.
//   - ProcessGroup and Runtime: the interfaces to the process group bootstrap, which lives outside
//     this package.
//   - Strategy: the enumeration of placement strategies.
package distributed

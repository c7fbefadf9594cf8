// Package harness runs trigger scenarios against a throwaway store.
//
// A scenario names a catalogue, seeds one entity and delivers events to
// it step by step through the trigger engine. Every step records what
// was delivered, how the engine reacted and which events it committed.
// Assertions then check the trace and the final entity.
//
// # Scenario Format
//
//	name: first_harvest
//	description: "Three carrots complete the collect node"
//	catalog: ../content
//	entity:
//	  id: 7
//	  remote_connection: {session: s1, since: 1}
//	steps:
//	  - deliver:
//	      - kind: collected
//	        payload: {item: carrot, count: 3}
//	    expect:
//	      status: applied
//	      emitted: [trigger_completed, discovered]
//	assertions:
//	  - type: emitted
//	    kind: trigger_completed
//	    payload: {node: collect_carrots}
//	  - type: final_state
//	    path: lifetime_stats.collected.carrot
//	    expect: 3
//
// The catalogue path is resolved relative to the scenario file.
package harness

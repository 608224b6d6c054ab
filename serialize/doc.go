// Package serialize converts structured values to and from a typed,
// self-describing tree of nodes.
//
// Every node carries an explicit type tag, so a receiver can reconstruct the
// original value without a schema: a boolean never decodes as an integer,
// and the string "1" never decodes as a number.
//
// The supported types form a closed set: none, bool, int, float, string, list
// and map. Sequence elements are tagged "item", map entries are tagged with
// their key, and the root node is tagged "object":
//
//	{"tag":"object","type":"map","children":[
//	  {"tag":"args","type":"list","children":[
//	    {"tag":"item","type":"string","text":"--foo"}]}]}
//
// Decoded values are represented by Value, a tagged variant.
package serialize

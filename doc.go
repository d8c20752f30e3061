// Package mut implements a polymorphic code mutator for x86 PE images: it
// disassembles a code section into an instruction graph, rewrites each
// instruction through a pluggable Mutation Rule Set, lays the result out
// into a new section, and exposes the old-RVA to new-RVA map the PE
// Fixup Layer uses to patch relocations, exports, SafeSEH handlers, TLS
// callbacks, and the entry point.
//
// x86-64 and instruction-set extensions beyond typical user-mode code are
// not supported; the input region is assumed to be pure code, and data
// mixed into it will corrupt the graph.
package mut

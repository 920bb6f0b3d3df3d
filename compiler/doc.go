// Package compiler turns Nai source text into vm modules.
//
// The pipeline is lexer -> parser -> semantic analysis -> code generation.
// Parse builds an untyped AST; Analyze resolves names, lays out structs and
// unions, and attaches a type to every expression; CodeGenerator lowers the
// typed AST to register/stack bytecode, one vm.Function per declaration.
// Compile and CompileAll run the whole pipeline.
package compiler

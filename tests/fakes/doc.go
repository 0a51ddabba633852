// Package fakes provides test doubles for securestore interfaces.
//
// Fakes are manually implemented (not generated) to provide precise control
// over test behavior, including injected platform failures.
//
// Usage:
//
//	fake := fakes.NewFakePrimitive()
//	fake.FailWith("find", credential.StatusInteractionNotAllowed)
//	mgr := credential.NewManager(credential.NewScoped(fake, ""), credential.ManagerOptions{})
//	// Exercise manager methods...
package fakes
